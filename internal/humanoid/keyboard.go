package humanoid

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Common English n-grams are typed faster than arbitrary pairs.
var commonNgrams = map[string]bool{
	"th": true, "he": true, "in": true, "er": true, "an": true, "re": true,
	"es": true, "on": true, "st": true, "nt": true,
	"the": true, "and": true, "ing": true, "ion": true, "tio": true,
}

// Delays returns the pause to take before each rune of text. The first rune
// gets no pause.
func (h *Humanoid) Delays(text string) []time.Duration {
	runes := []rune(text)
	out := make([]time.Duration, len(runes))
	for i := 1; i < len(runes); i++ {
		out[i] = h.keyDelay(runes, i)
	}
	return out
}

func (h *Humanoid) keyDelay(runes []rune, index int) time.Duration {
	mean := h.cfg.KeyDelayMeanMs
	stdDev := h.cfg.KeyDelayStdDevMs
	minDelay := mean * 0.4
	factor := 1.0

	if index >= 2 && commonNgrams[strings.ToLower(string(runes[index-2:index+1]))] {
		factor = 0.55
	} else if commonNgrams[strings.ToLower(string(runes[index-1:index+1]))] {
		factor = 0.7
	}

	delay := h.normFloat64()*stdDev + mean*factor
	return time.Duration(math.Max(minDelay*factor, delay) * float64(time.Millisecond))
}

// Type sends text to the focused element one key at a time with paced
// pauses. When pacing is disabled the whole string is sent at once.
func (h *Humanoid) Type(text string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if !h.Enabled() {
			return sendKeys(ctx, text)
		}
		delays := h.Delays(text)
		for i, r := range []rune(text) {
			if delays[i] > 0 {
				if err := chromedp.Sleep(delays[i]).Do(ctx); err != nil {
					return err
				}
			}
			if err := sendKeys(ctx, string(r)); err != nil {
				return fmt.Errorf("humanoid: failed to send key %q: %w", r, err)
			}
		}
		return nil
	})
}

func sendKeys(ctx context.Context, keys string) error {
	return chromedp.SendKeys("document.activeElement", keys, chromedp.ByJSPath).Do(ctx)
}
