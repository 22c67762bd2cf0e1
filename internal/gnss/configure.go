package gnss

import (
	"context"
	"fmt"
	"log"
	"time"

	"gnss-relay/internal/engine"
	"gnss-relay/internal/skytraq"
)

// PSTI sentences disabled by the initial configuration.
var disabledPSTI = []uint8{30, 32, 33}

// resetDelay is how long the receiver needs after an extended interval
// command before it accepts the next command.
const resetDelay = 30 * time.Millisecond

// Receiver holds the receiver settings applied by Configure.
type Receiver struct {
	// SampleInterval is the NMEA output interval in seconds.
	SampleInterval uint8
	Talker         skytraq.Talker

	Latitude      float64
	Longitude     float64
	Elevation     float64
	AntennaHeight float64

	RTKMode        uint8
	RTKFunction    uint8
	SurveyLength   uint32
	StdDev         uint32
	BaselineLength float32
}

// Commander sends one command and waits for its Ack.
type Commander interface {
	SendCommand(ctx context.Context, cmd skytraq.Command) (engine.AckCode, error)
}

// Sequence returns the commands for one configuration pass. The initial pass
// also silences the PSTI sentences and selects the talker ID.
func (r Receiver) Sequence(initial bool) []skytraq.Command {
	var cmds []skytraq.Command
	if initial {
		for _, id := range disabledPSTI {
			cmds = append(cmds, skytraq.SentenceInterval{SentenceID: id, Interval: 0})
		}
		cmds = append(cmds, skytraq.TalkerID{Talker: r.Talker})
	}
	i := r.SampleInterval
	cmds = append(cmds,
		skytraq.ExtendedInterval{GGA: i, GSA: i, GSV: i, RMC: i, VTG: i, ZDA: i, GST: i},
		r.rtkMode(),
	)
	return cmds
}

func (r Receiver) rtkMode() skytraq.RTKMode {
	return skytraq.RTKMode{
		Mode:           r.RTKMode,
		Function:       r.RTKFunction,
		SurveyLength:   r.SurveyLength,
		StdDev:         r.StdDev,
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		Altitude:       float32(r.Elevation + r.AntennaHeight),
		BaselineLength: r.BaselineLength,
	}
}

// configure sends the sequence in order. A failed command is logged and the
// sequence continues; the first failure is returned.
func configure(ctx context.Context, c Commander, seq []skytraq.Command, sleep func(context.Context, time.Duration) error) error {
	var first error
	for _, cmd := range seq {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := c.SendCommand(ctx, cmd)
		if err != nil {
			log.Printf("gnss configure: %v", err)
			if first == nil {
				first = fmt.Errorf("configure %v: %w", cmd, err)
			}
		}
		if _, ok := cmd.(skytraq.ExtendedInterval); ok {
			if err := sleep(ctx, resetDelay); err != nil {
				return err
			}
		}
	}
	return first
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
