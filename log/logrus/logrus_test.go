package logrus

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/unkn0wn-root/tiercache"
)

func TestWithAddsFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)

	l := LogrusLogger{E: logrus.NewEntry(base)}.With(tiercache.Fields{"cache": "users"})
	l.Debug("hit", tiercache.Fields{"tier": "local"})

	e := hook.LastEntry()
	if e == nil {
		t.Fatal("no entry")
	}
	if e.Data["cache"] != "users" || e.Data["tier"] != "local" || e.Message != "hit" {
		t.Fatalf("unexpected entry: %+v", e.Data)
	}
}
