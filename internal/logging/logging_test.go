package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetup_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup(&buf, "debug", "json")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		logger.SetFormatter(&logrus.TextFormatter{})
		logger.SetLevel(logrus.InfoLevel)
	})

	Component(logger, "kvm").WithField("instance", "web1").Debug("hello")

	out := buf.String()
	if !strings.Contains(out, `"component":"kvm"`) {
		t.Errorf("missing component field: %s", out)
	}
	if !strings.Contains(out, `"instance":"web1"`) {
		t.Errorf("missing instance field: %s", out)
	}
}

func TestSetup_BadInput(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Setup(&buf, "loud", "text"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := Setup(&buf, "info", "yaml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
