// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package discovery

import (
	"fmt"
	"io"
	"time"
)

// readWithTimeout reads at most len(buf) bytes, giving up after timeout if
// nothing arrives. Used only during the identity handshake, before the
// port's real read loop (which has no timeout) takes over.
func readWithTimeout(r io.Reader, buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.Read(buf)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(timeout):
		return 0, fmt.Errorf("read timed out after %s", timeout)
	}
}
