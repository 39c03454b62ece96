package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticReporter struct{}

func (staticReporter) StatusText() string    { return "ok" }
func (staticReporter) PositionsText() string { return "flat" }

func TestRecorder(t *testing.T) {
	var r Recorder
	var n Notifier = &r
	n.Send("a")
	n.Sendf("b=%d", 2)
	assert.Equal(t, []string{"a", "b=2"}, r.Messages())
}

func TestTelegram_NilSafe(t *testing.T) {
	var tg *Telegram
	assert.NotPanics(t, func() {
		tg.Send("x")
		tg.Start(context.Background())
		tg.Stop()
	})
}

func TestTelegram_CommandsWithoutBotAreDropped(t *testing.T) {
	tg := &Telegram{}
	tg.SetReporter(staticReporter{})
	assert.NotPanics(t, func() { tg.handleCommand("status") })
}
