package scanner

import "context"

const (
	// Scroll increments cover ~90% of the viewport so adjacent windows
	// overlap and no row can fall between two passes.
	scrollStepMinPx = 200

	// The sweep ends after this many consecutive passes at the bottom that
	// discovered nothing new.
	idleBottomPasses = 6

	// Late asynchronous loads get a final settle loop: up to this many
	// bottom nudges, breaking early after consecutive no-growth rounds.
	settleLoopPasses   = 6
	settleNoGrowthStop = 4

	// Hard bound so a viewport reporting a bogus height cannot spin the
	// sweep forever.
	maxSweepPasses = 500
)

// exhaustive force-renders the full virtualized list. The backing array is
// drained first when reachable, then a scroll sweep re-ingests visible rows
// after every increment. The scroller's original position is restored
// regardless of outcome.
func (s *Scanner) exhaustive(ctx context.Context) error {
	s.seedFromInventory()

	originalTop := s.vp.ScrollTop()
	defer s.vp.SetScrollTop(originalTop)

	s.vp.SetScrollTop(0)
	if err := s.sleep(ctx, s.settle); nil != err {
		return err
	}
	s.ingestVisible()

	step := s.vp.ViewportHeight() * 9 / 10
	if step < scrollStepMinPx {
		step = scrollStepMinPx
	}

	var (
		position int
		idle     int
	)
	for pass := 0; pass < maxSweepPasses; pass++ {
		position += step
		s.vp.SetScrollTop(position)
		if err := s.sleep(ctx, s.settle); nil != err {
			return err
		}

		before := s.acc.size()
		s.ingestVisible()
		grew := s.acc.size() > before

		atBottom := s.vp.ScrollTop()+s.vp.ViewportHeight() >= s.vp.Height()
		if atBottom && !grew {
			idle++
			if idle >= idleBottomPasses {
				break
			}
		} else if grew {
			idle = 0
		}
	}

	var noGrowth int
	for i := 0; i < settleLoopPasses; i++ {
		s.vp.SetScrollTop(s.vp.Height())
		if err := s.sleep(ctx, s.settle); nil != err {
			return err
		}

		before := s.acc.size()
		s.ingestVisible()
		if s.acc.size() == before {
			noGrowth++
			if noGrowth >= settleNoGrowthStop {
				break
			}
		} else {
			noGrowth = 0
		}
	}

	s.logger.
		Debug().
		Int("discovered", s.acc.size()).
		Msg("Exhaustive sweep finished")

	return nil
}
