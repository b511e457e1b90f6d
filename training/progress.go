package training

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// EpochProgress redraws a single status line while an epoch trains:
//
//	epoch 2 |████████████        |  50% 1,024/2,048 samples, batch 32/64, loss 0.08123, 41.2 samples/s, eta 25s
type EpochProgress struct {
	out     io.Writer
	epoch   int
	batches int
	samples int
	width   int
	start   time.Time

	batch int
	seen  int
	loss  float64 // running mean over the epoch
}

// NewEpochProgress starts the status line of an epoch of batches batches
// holding samples samples
func NewEpochProgress(out io.Writer, epoch, batches, samples int) *EpochProgress {
	return &EpochProgress{
		out:     out,
		epoch:   epoch,
		batches: batches,
		samples: samples,
		width:   20,
		start:   time.Now(),
	}
}

// Step records a finished batch of n samples and the running mean loss
func (p *EpochProgress) Step(n int, loss float64) {
	p.batch++
	p.seen += n
	p.loss = loss
	fmt.Fprint(p.out, "\r"+p.line(time.Since(p.start)))
}

// Done redraws the final state and ends the line
func (p *EpochProgress) Done() {
	fmt.Fprintln(p.out, "\r"+p.line(time.Since(p.start)))
}

func (p *EpochProgress) line(elapsed time.Duration) string {
	frac := 0.0
	if p.samples > 0 {
		frac = math.Min(float64(p.seen)/float64(p.samples), 1)
	}
	filled := int(frac * float64(p.width))

	var b strings.Builder
	fmt.Fprintf(&b, "epoch %d |%s%s| %3.0f%% %s/%s samples, batch %d/%d, loss %.5f",
		p.epoch,
		strings.Repeat("█", filled), strings.Repeat(" ", p.width-filled),
		frac*100,
		humanize.Comma(int64(p.seen)), humanize.Comma(int64(p.samples)),
		p.batch, p.batches,
		p.loss)

	if secs := elapsed.Seconds(); p.seen > 0 && secs > 0 {
		rate := float64(p.seen) / secs
		fmt.Fprintf(&b, ", %.1f samples/s", rate)
		if left := p.samples - p.seen; left > 0 {
			eta := time.Duration(float64(left) / rate * float64(time.Second))
			fmt.Fprintf(&b, ", eta %s", eta.Round(time.Second))
		}
	}
	return b.String()
}
