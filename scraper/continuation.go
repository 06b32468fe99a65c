package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/browser"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/config"
)

// pageURL sets the pagination parameter of base for page (zero based).
func pageURL(base string, pg config.PaginationConfig, page int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse listing url: %w", err)
	}
	value := pg.FirstPage + page
	if pg.PageSize > 0 {
		value = pg.FirstPage + page*pg.PageSize
	}
	q := u.Query()
	q.Set(pg.Param, strconv.Itoa(value))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// stridePages returns the page numbers agent owns out of workers agents:
// agent, agent+workers, agent+2*workers... below maxPages.
func stridePages(agent, workers, maxPages int) []int {
	if workers <= 0 {
		workers = 1
	}
	var pages []int
	for p := agent; p < maxPages; p += workers {
		pages = append(pages, p)
	}
	return pages
}

// roundRobin returns the listing URLs agent owns.
func roundRobin(urls []string, agent, workers int) []string {
	if workers <= 0 {
		workers = 1
	}
	var out []string
	for i, u := range urls {
		if i%workers == agent {
			out = append(out, u)
		}
	}
	return out
}

// expandResult describes how far a listing grew.
type expandResult struct {
	Steps int
	Items int
}

// clickLoadMore clicks the "more" control until it is gone, maxClicks is
// reached or the item count stops growing for StableRounds polls.
func clickLoadMore(ctx context.Context, s browser.Session, pg config.PaginationConfig, itemSelector string, maxClicks int) (expandResult, error) {
	last, err := s.Count(ctx, itemSelector)
	if err != nil {
		return expandResult{}, err
	}

	res := expandResult{Items: last}
	stable := 0
	for res.Steps < maxClicks {
		visible, err := s.Visible(ctx, pg.MoreSelector)
		if err != nil {
			return res, err
		}
		if !visible {
			break
		}
		if err := s.Click(ctx, pg.MoreSelector); err != nil {
			return res, err
		}
		res.Steps++

		if err := sleepCtx(ctx, pg.PollInterval); err != nil {
			return res, err
		}
		n, err := s.Count(ctx, itemSelector)
		if err != nil {
			return res, err
		}
		if n > last {
			last = n
			stable = 0
		} else {
			stable++
			if stable >= pg.StableRounds {
				break
			}
		}
		res.Items = last
	}
	return res, nil
}

// scrollUntilStable scrolls to the bottom until the item count has not grown
// for StableRounds consecutive polls or maxScrolls is reached.
func scrollUntilStable(ctx context.Context, s browser.Session, pg config.PaginationConfig, itemSelector string, maxScrolls int) (expandResult, error) {
	last, err := s.Count(ctx, itemSelector)
	if err != nil {
		return expandResult{}, err
	}

	res := expandResult{Items: last}
	stable := 0
	for res.Steps < maxScrolls && stable < pg.StableRounds {
		if err := s.ScrollToBottom(ctx); err != nil {
			return res, err
		}
		res.Steps++

		if err := sleepCtx(ctx, pg.PollInterval); err != nil {
			return res, err
		}
		n, err := s.Count(ctx, itemSelector)
		if err != nil {
			return res, err
		}
		if n > last {
			last = n
			stable = 0
		} else {
			stable++
		}
		res.Items = last
	}
	return res, nil
}
