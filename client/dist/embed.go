package clientdist

import _ "embed"

// BridgeJS is the browser client. The server serves it at
// "/w/{windowID}/bridge.js" behind a window.__BRIDGE__ bootstrap line.
//
//go:embed bridge.js
var BridgeJS []byte
