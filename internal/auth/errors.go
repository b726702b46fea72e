package auth

import "errors"

// ErrNoPendingLogin indicates a handshake step arrived with no in-flight
// sign-in for the user: either none was started, it was cancelled, it
// expired, or its interim material is unusable under the current key.
var ErrNoPendingLogin = errors.New("no pending login")
