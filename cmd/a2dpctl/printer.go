package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/srg/a2dpd/internal/a2dp"
	"github.com/srg/a2dpd/internal/notify"
)

const timeLayout = "15:04:05.000"

// notificationPrinter renders connection and audio notifications, one per line.
type notificationPrinter struct {
	mu  sync.Mutex
	out io.Writer

	stamp  *color.Color
	device *color.Color
	states map[a2dp.ConnectionState]*color.Color
	audio  map[a2dp.AudioState]*color.Color
}

var _ notify.Listener = (*notificationPrinter)(nil)

func newNotificationPrinter(out io.Writer, colored bool) *notificationPrinter {
	p := &notificationPrinter{
		out:    out,
		stamp:  color.New(color.Faint),
		device: color.New(color.FgCyan),
		states: map[a2dp.ConnectionState]*color.Color{
			a2dp.StateDisconnected:  color.New(color.FgRed),
			a2dp.StateConnecting:    color.New(color.FgYellow),
			a2dp.StateConnected:     color.New(color.FgGreen, color.Bold),
			a2dp.StateDisconnecting: color.New(color.FgYellow),
		},
		audio: map[a2dp.AudioState]*color.Color{
			a2dp.AudioNotPlaying: color.New(color.FgWhite),
			a2dp.AudioPlaying:    color.New(color.FgMagenta, color.Bold),
		},
	}
	for _, c := range p.colors() {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *notificationPrinter) colors() []*color.Color {
	out := []*color.Color{p.stamp, p.device}
	for _, c := range p.states {
		out = append(out, c)
	}
	for _, c := range p.audio {
		out = append(out, c)
	}
	return out
}

func (p *notificationPrinter) ConnectionStateChanged(c a2dp.ConnectionChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s  %s  %s -> %s\n",
		p.stamp.Sprint(c.At.Format(timeLayout)),
		p.device.Sprint(c.Device.String()),
		p.state(c.From), p.state(c.To))
}

func (p *notificationPrinter) AudioStateChanged(c a2dp.AudioChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s  %s  audio %s\n",
		p.stamp.Sprint(c.At.Format(timeLayout)),
		p.device.Sprint(c.Device.String()),
		p.audio[c.State].Sprint(c.State.String()))
}

func (p *notificationPrinter) state(s a2dp.ConnectionState) string {
	if c, ok := p.states[s]; ok {
		return c.Sprint(s.String())
	}
	return s.String()
}
