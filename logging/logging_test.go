package logging

import "testing"

func TestConstructorsReturnAUsableLogger(t *testing.T) {
	for name, ctor := range map[string]func() Logger{
		"New":            New,
		"NewDevelopment": NewDevelopment,
		"NewNop":         NewNop,
	} {
		l := ctor()
		if l == nil {
			t.Fatalf("%s returned a nil Logger", name)
		}
		l.Debug("debug")
		l.Debugf("debug %d", 1)
		l.Info("info")
		l.Infof("info %d", 1)
		l.Warn("warn")
		l.Warnf("warn %d", 1)
		l.Error("error")
		l.Errorf("error %d", 1)
		_ = l.Sync()
	}
}
