// Package identity implements device identity and the device-linking
// trust protocol.
//
// A device mints a local identity (UUID v4) before first use. It becomes
// trusted only by completing the linking protocol: the device requests a
// short-lived linking session from the relay, a human approves the code
// from an already-trusted device, and this device polls until the relay
// reports approval. The flow runs two independent cancelable timers, a
// fixed-interval poll loop and a local expiry countdown; whichever
// terminal transition happens first wins and the success callback fires
// at most once.
//
// Example:
//
//	linker := identity.NewLinker(relayClient, device, store)
//	session, err := linker.StartLinking(ctx, "laptop", func() {
//	    fmt.Println("device trusted")
//	})
package identity
