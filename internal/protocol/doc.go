// Package protocol implements JSON-RPC call correlation over one child
// process's stdio pipes.
//
// The package provides three pieces:
//   - Correlator assigns monotonic ids, registers pending calls before the
//     request line is written, and resolves each call exactly once.
//   - Pump is the single stdout reader for a shared process. It routes
//     responses to the Correlator by id, fans notifications out, and answers
//     child-originated requests with "method not found".
//   - Notifier is the best-effort notification subscriber set.
//
// Example usage:
//
//	correlator := protocol.NewCorrelator(log, process)
//	notifier := protocol.NewNotifier(log)
//	pump := protocol.NewPump(log, process.Stdout(), correlator, notifier, process, 0)
//
//	go func() {
//		err := pump.Run(ctx)
//		correlator.Fail(err)
//	}()
//
//	resp, err := correlator.Call(ctx, "tools/list", nil, 30*time.Second)
package protocol
