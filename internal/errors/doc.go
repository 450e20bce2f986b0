// Package errors provides coded, user-facing errors for the bridge CLI and
// configuration loader.
//
// Each error carries a code that maps to a registered template:
//   - E1xx: configuration (file not found, parse failures, invalid values)
//   - E2xx: server (listen failures, TLS, root folder)
//   - E3xx: browser launcher
//
// # Usage
//
//	err := errors.New("E104").
//	    WithDetail("port 70000 is out of range").
//	    WithSuggestion("Use a port between 0 and 65535; 0 picks a free port")
//
//	errors.PrintError(err)
//	// ERROR E104: Invalid port
//	//
//	//   port 70000 is out of range
//	//
//	//   Hint: Use a port between 0 and 65535; 0 picks a free port
//
// When the error points into a file, WithLocation adds the surrounding lines
// and Format renders them with the offending line marked.
package errors
