package authority_test

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/kffl/tlsproxy/internal/authority"
)

func TestParseHostPort(t *testing.T) {
	c := qt.New(t)

	tgt, err := authority.Parse("example.test:443", 443)
	c.Assert(err, qt.IsNil)
	c.Assert(tgt.Host, qt.Equals, "example.test")
	c.Assert(tgt.Port, qt.Equals, 443)
}

func TestParseBareHostDefaultsPort(t *testing.T) {
	c := qt.New(t)

	tgt, err := authority.Parse("example.test", 443)
	c.Assert(err, qt.IsNil)
	c.Assert(tgt.Port, qt.Equals, 443)
}

func TestParseBareHostNoDefaultRejected(t *testing.T) {
	c := qt.New(t)

	_, err := authority.Parse("example.test", 0)
	c.Assert(errors.Is(err, authority.ErrInvalid), qt.IsTrue)
}

func TestParseBracketedIPv6(t *testing.T) {
	c := qt.New(t)

	tgt, err := authority.Parse("[::1]:8443", 0)
	c.Assert(err, qt.IsNil)
	c.Assert(tgt.Host, qt.Equals, "::1")
	c.Assert(tgt.Port, qt.Equals, 8443)
	c.Assert(tgt.String(), qt.Equals, "[::1]:8443")
}

func TestParseRejectsBadCharset(t *testing.T) {
	c := qt.New(t)

	_, err := authority.Parse("bad|host:443", 0)
	c.Assert(errors.Is(err, authority.ErrInvalid), qt.IsTrue)
}

func TestParseRejectsPortOutOfRange(t *testing.T) {
	c := qt.New(t)

	_, err := authority.Parse("example.test:70000", 0)
	c.Assert(errors.Is(err, authority.ErrInvalid), qt.IsTrue)

	_, err = authority.Parse("example.test:0", 0)
	c.Assert(errors.Is(err, authority.ErrInvalid), qt.IsTrue)
}

func TestParseRejectsOverlongHost(t *testing.T) {
	c := qt.New(t)

	long := make([]byte, 254)
	for i := range long {
		long[i] = 'a'
	}
	_, err := authority.Parse(string(long)+":443", 0)
	c.Assert(errors.Is(err, authority.ErrInvalid), qt.IsTrue)
}

func TestParseRejectsEmpty(t *testing.T) {
	c := qt.New(t)

	_, err := authority.Parse("", 443)
	c.Assert(errors.Is(err, authority.ErrInvalid), qt.IsTrue)
}
