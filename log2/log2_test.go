package log2

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFilter(t *testing.T) {
	t.Parallel()

	b := &strings.Builder{}
	l := NewWriter(b, LInfo)
	l.SetFlags(0)
	l.Debugf("hidden %d", 1)
	l.Infof("visible %d", 2)
	l.Errorf("visible %d", 3)
	out := b.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible 2")
	assert.Contains(t, out, "error: visible 3")

	l.SetLevel(LDebug)
	l.Debugf("shown %d", 4)
	assert.Contains(t, b.String(), "debug: shown 4")
}

func TestClonePrefix(t *testing.T) {
	t.Parallel()

	b := &strings.Builder{}
	l := NewWriter(b, LDebug)
	l.SetFlags(0)
	sub := l.Clone(LDebug)
	sub.SetPrefix("sub: ")
	sub.Infof("hello")
	assert.Contains(t, b.String(), "sub: hello")
}

func TestNilSafe(t *testing.T) {
	t.Parallel()

	var l *Log
	assert.False(t, l.Enabled(LError))
	l.SetLevel(LDebug)
	l.SetPrefix("x")
	l.Infof("ignored")
}
