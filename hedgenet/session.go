package hedgenet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/ezquant/hedgenet/hedgenet/plus/journal"
	"github.com/ezquant/hedgenet/hedgenet/plus/metrics"
	"github.com/ezquant/hedgenet/hedgenet/tools"
	"github.com/ezquant/hedgenet/hedgenet/tools/log"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/stat"
)

// EpochStats is what a session observed in one epoch.
type EpochStats struct {
	Epoch       int
	Objective   float64
	Temperature float64
	KeepProb    float64
	Evaluation  *Result
}

// Session trains a model over a set of windows for a number of epochs, one
// optimizer step per window per epoch.
type Session struct {
	model   *Model
	feeds   []*Feed
	eval    *Feed
	history []EpochStats

	scheduler       *tools.Scheduler
	journal         *journal.Journal
	run             *journal.Run
	metrics         *metrics.Collector
	checkpointDir   string
	checkpointEvery int
	timeLimit       time.Duration
	progress        bool
}

type SessionOption func(*Session)

// WithEvaluation runs a trade pass on feed after every epoch. The feed is used
// without dropout.
func WithEvaluation(feed *Feed) SessionOption {
	return func(s *Session) {
		s.eval = feed
	}
}

func WithScheduler(scheduler *tools.Scheduler) SessionOption {
	return func(s *Session) {
		s.scheduler = scheduler
	}
}

// WithJournal records the session and every epoch in j.
func WithJournal(j *journal.Journal) SessionOption {
	return func(s *Session) {
		s.journal = j
	}
}

func WithMetrics(collector *metrics.Collector) SessionOption {
	return func(s *Session) {
		s.metrics = collector
	}
}

// WithCheckpoint saves the model to dir every `every` epochs and at the end of
// the session; every <= 0 only saves at the end.
func WithCheckpoint(dir string, every int) SessionOption {
	return func(s *Session) {
		s.checkpointDir = dir
		s.checkpointEvery = every
	}
}

// WithTimeLimit stops the session after d even if epochs remain.
func WithTimeLimit(d time.Duration) SessionOption {
	return func(s *Session) {
		s.timeLimit = d
	}
}

// WithProgressBar shows a progress bar on stdout while training.
func WithProgressBar() SessionOption {
	return func(s *Session) {
		s.progress = true
	}
}

func NewSession(model *Model, feeds []*Feed, options ...SessionOption) (*Session, error) {
	if len(feeds) == 0 {
		return nil, fmt.Errorf("%w: a session needs at least one feed", ErrFeed)
	}
	s := &Session{model: model, feeds: feeds}
	for _, option := range options {
		option(s)
	}
	if s.eval != nil {
		eval, err := s.eval.With(WithKeepProb(1))
		if err != nil {
			return nil, err
		}
		s.eval = eval
	}
	return s, nil
}

// RunID is the journal id of the session, empty without a journal.
func (s *Session) RunID() string {
	if s.run == nil {
		return ""
	}
	return s.run.ID
}

func (s *Session) History() []EpochStats {
	return s.history
}

// Run trains for the given number of epochs. It stops early, without error,
// when ctx is cancelled or the time limit is reached. The model is initialized
// first when it is not ready.
func (s *Session) Run(ctx context.Context, epochs int) error {
	if !s.model.ready() {
		if err := s.model.Init(); err != nil {
			return err
		}
	}
	if s.timeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeLimit)
		defer cancel()
	}

	if s.journal != nil && s.run == nil {
		run, err := s.journal.StartRun(journal.Run{
			Objective:    string(s.model.objective),
			Assets:       s.model.assets,
			Window:       s.model.topology.Window,
			LearningRate: s.model.learningRate,
		})
		if err != nil {
			return fmt.Errorf("start journal run: %w", err)
		}
		s.run = run
		log.WithField("run", run.ID).Info("[SETUP] journal run started")
	}

	var bar *progressbar.ProgressBar
	if s.progress {
		bar = progressbar.Default(int64(epochs))
	}

	first := len(s.history)
	for epoch := first; epoch < first+epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			log.Infof("training stopped after %d epochs: %v", epoch-first, err)
			break
		}
		stats, err := s.epoch(epoch)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		s.history = append(s.history, stats)

		if s.checkpointDir != "" && s.checkpointEvery > 0 && (epoch+1)%s.checkpointEvery == 0 {
			if err := s.checkpoint(); err != nil {
				return err
			}
		}
		if bar != nil {
			if err := bar.Add(1); err != nil {
				log.Warnf("update progressbar fail: %v", err)
			}
		}
	}

	if s.checkpointDir != "" {
		return s.checkpoint()
	}
	return nil
}

func (s *Session) epoch(epoch int) (EpochStats, error) {
	if s.scheduler != nil {
		targets := make([]tools.Tunable, len(s.feeds))
		for i, feed := range s.feeds {
			targets[i] = feed
		}
		s.scheduler.Update(epoch, targets...)
	}

	objectives := make([]float64, len(s.feeds))
	for i, feed := range s.feeds {
		objective, err := s.model.Train(feed)
		if err != nil {
			return EpochStats{}, err
		}
		objectives[i] = objective
		if s.metrics != nil {
			s.metrics.ObserveTrain(string(s.model.objective), objective)
		}
	}

	stats := EpochStats{
		Epoch:       epoch,
		Objective:   stat.Mean(objectives, nil),
		Temperature: s.feeds[0].Temperature(),
		KeepProb:    s.feeds[0].KeepProb(),
	}
	if s.metrics != nil {
		s.metrics.ObserveSchedule(stats.Temperature, stats.KeepProb)
	}

	record := journal.Epoch{
		Epoch:       epoch,
		Objective:   stats.Objective,
		Temperature: stats.Temperature,
		KeepProb:    stats.KeepProb,
	}
	if s.eval != nil {
		s.eval.SetTemperature(stats.Temperature)
		res, err := s.model.Trade(s.eval)
		if err != nil {
			return EpochStats{}, fmt.Errorf("evaluate: %w", err)
		}
		stats.Evaluation = res
		record.CumLogReward, record.Sharpe, record.Sortino = res.CumLogReward, res.Sharpe, res.Sortino
		if s.metrics != nil {
			s.metrics.ObserveTrade(res.CumLogReward, res.Sharpe, res.Sortino, res.Actions[len(res.Actions)-1])
		}
	}

	if s.run != nil {
		if err := s.journal.Record(s.run.ID, sanitize(record)); err != nil {
			return EpochStats{}, fmt.Errorf("journal: %w", err)
		}
	}
	log.Debugf("epoch %d: %s %.6f", epoch, s.model.objective, stats.Objective)
	return stats, nil
}

// sanitize replaces values sqlite cannot store.
func sanitize(e journal.Epoch) journal.Epoch {
	for _, v := range []*float64{&e.Objective, &e.CumLogReward, &e.Sharpe, &e.Sortino} {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = 0
		}
	}
	return e
}

func (s *Session) checkpoint() error {
	if err := s.model.Save(s.checkpointDir); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if s.run != nil {
		if err := s.journal.SetCheckpoint(s.run.ID, s.checkpointDir); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}
	return nil
}

// Summary writes a table of the trade statistics of the evaluation feed, or
// of the first training feed without dropout when there is none.
func (s *Session) Summary(w io.Writer) error {
	feed := s.eval
	if feed == nil {
		var err error
		if feed, err = s.feeds[0].With(WithKeepProb(1)); err != nil {
			return err
		}
	}
	res, err := s.model.Trade(feed)
	if err != nil {
		return err
	}
	return WriteResult(w, res)
}

// WriteResult renders res as two tables: the statistics of the pass, then the
// position held over every step next to the reward it earned.
func WriteResult(w io.Writer, res *Result) error {
	if res == nil || len(res.Actions) == 0 {
		return errors.New("no result")
	}
	buffer := bytes.NewBuffer(nil)
	table := tablewriter.NewWriter(buffer)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Cum reward", "Cum log reward", "Mean log reward", "Sharpe", "Sortino"})
	table.Append([]string{
		fmt.Sprintf("%.4f", res.CumReward),
		fmt.Sprintf("%.4f", res.CumLogReward),
		fmt.Sprintf("%.6f", res.MeanLogReward),
		fmt.Sprintf("%.3f", res.Sharpe),
		fmt.Sprintf("%.3f", res.Sortino),
	})
	table.Render()

	header := []string{"Step", "Reward"}
	for i := range res.Actions[0] {
		if i == len(res.Actions[0])-1 {
			header = append(header, "Cash")
			continue
		}
		header = append(header, "Asset "+strconv.Itoa(i))
	}
	actions := tablewriter.NewWriter(buffer)
	actions.SetAutoFormatHeaders(false)
	actions.SetHeader(header)
	for t, row := range res.Actions {
		line := []string{strconv.Itoa(t), "-"}
		if t < len(res.Rewards) {
			line[1] = fmt.Sprintf("%.4f", res.Rewards[t])
		}
		for _, weight := range row {
			line = append(line, fmt.Sprintf("%.1f %%", weight*100))
		}
		actions.Append(line)
	}
	actions.Render()

	_, err := io.Copy(w, buffer)
	return err
}
