package ledger

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/privaudit/dpquery/infrastructure/logging"
)

// Sweeper periodically calls SweepExpired on a schedule, using a
// seconds-resolution cron expression so the sweep interval can be shorter
// than a minute.
type Sweeper struct {
	cron   *cron.Cron
	ledger Ledger
	logger *logging.Logger
}

// NewSweeper builds a Sweeper. spec is a six-field cron expression whose
// first field is seconds (e.g. "*/15 * * * * *" for every 15 seconds).
func NewSweeper(l Ledger, logger *logging.Logger, spec string) (*Sweeper, error) {
	c := cron.New(cron.WithSeconds())
	s := &Sweeper{cron: c, ledger: l, logger: logger}
	if _, err := c.AddFunc(spec, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	released, err := s.ledger.SweepExpired(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(ctx, "ledger sweep failed", err, nil)
		}
		return
	}
	if released > 0 && s.logger != nil {
		s.logger.Info(ctx, "released expired reservations", map[string]interface{}{"released": released})
	}
}

// Start begins running the sweeper's schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
