// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package sqsafe

// Go executes function `f` in a goroutine through `Call()` so that a panic
// cannot crash the server. The returned channel receives the error returned by
// `f()` or the recovered panic, and is then closed. It is buffered so that the
// goroutine never blocks when nobody reads it.
//
//	done := sqsafe.Go(engine.Flush)
//	// ...
//	if err := <-done; err != nil {
//		var panicErr *sqsafe.PanicError
//		if xerrors.As(err, &panicErr) {
//			// f() panicked
//		}
//	}
func Go(f func() error) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- Call(f)
	}()
	return done
}
