// Package dispatch turns decoded calls and events into handler invocations
// and maps every outcome onto exactly one Response or Error frame.
package dispatch
