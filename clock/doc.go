// Package clock provides an injectable time source for rotation timers and
// message freshness checks.
//
// Production code uses Real(). Tests use Fake(), which only moves when
// Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	m, _ := secmsg.NewManager(ctx, cfg, storage, secmsg.WithClock(c))
//	go m.Run(ctx)
//	c.WaitForTickers(1)
//	c.Advance(cfg.ValidatorRefreshInterval)
package clock
