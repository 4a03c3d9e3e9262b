package rewrite

import _ "embed"

// InjectedScript is the literal client-side gesture-relay payload
// appended to every rewritten page. Its behavior is the contract, not
// its text, so it is embedded verbatim and never reimplemented in Go.
//
//go:embed assets/inject.js
var InjectedScript []byte
