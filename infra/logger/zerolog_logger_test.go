package logger

import "testing"

func TestNewReturnsLogger(t *testing.T) {
	l := New("test")
	if l == nil {
		t.Fatal("expected logger")
	}
	l.Infof("hello %s", "world")
	l.Debugw("structured", map[string]any{"k": 1})
}

func TestNopLoggerImplementsInterface(t *testing.T) {
	var l Logger = NopLogger{}
	l.Debugf("x")
	l.Warnf("y %d", 1)
}
