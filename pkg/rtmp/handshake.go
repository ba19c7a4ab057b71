package rtmp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	apperrors "github.com/aminofox/rtmpingest/pkg/errors"
)

// DefaultHandshakeTimeout bounds how long the C0/C1/C2 exchange may take.
const DefaultHandshakeTimeout = 10 * time.Second

// deadliner is satisfied by net.Conn; handshakes run against a plain
// io.ReadWriter in tests, where no deadline is enforced.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// PerformServerHandshake runs the simple (non-digest) RTMP handshake as
// the server side. rw must be positioned at the start of the
// connection. If rw also implements deadliner and timeout is non-zero, a
// single deadline covering the whole exchange is applied.
func PerformServerHandshake(rw io.ReadWriter, timeout time.Duration) error {
	if d, ok := rw.(deadliner); ok && timeout > 0 {
		if err := d.SetDeadline(time.Now().Add(timeout)); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeNetworkError, "rtmp: failed to set handshake deadline", err)
		}
		defer d.SetDeadline(time.Time{})
	}

	c0 := make([]byte, 1)
	if _, err := io.ReadFull(rw, c0); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeBadHandshake, "rtmp: failed to read C0", err)
	}
	if c0[0] != Version {
		return apperrors.New(apperrors.ErrCodeUnsupportedVersion, "rtmp: unsupported handshake version")
	}

	c1 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(rw, c1); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeBadHandshake, "rtmp: failed to read C1", err)
	}

	s1 := make([]byte, HandshakeSize)
	binary.BigEndian.PutUint32(s1[0:4], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint32(s1[4:8], 0)
	if _, err := rand.Read(s1[8:]); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeBadHandshake, "rtmp: failed to generate S1 random data", err)
	}

	if _, err := rw.Write([]byte{Version}); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeBadHandshake, "rtmp: failed to write S0", err)
	}
	if _, err := rw.Write(s1); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeBadHandshake, "rtmp: failed to write S1", err)
	}
	// S2 echoes C1 verbatim.
	if _, err := rw.Write(c1); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeBadHandshake, "rtmp: failed to write S2", err)
	}

	c2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(rw, c2); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeBadHandshake, "rtmp: failed to read C2", err)
	}
	if !bytes.Equal(c2, s1) {
		return apperrors.New(apperrors.ErrCodeBadHandshake, "rtmp: C2 does not match S1")
	}

	return nil
}
