package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ezquant/hedgenet/examples/synthetic"
	"github.com/ezquant/hedgenet/hedgenet"
	"github.com/ezquant/hedgenet/hedgenet/plus/checkpoint"
	"github.com/ezquant/hedgenet/hedgenet/plus/journal"
	"github.com/ezquant/hedgenet/hedgenet/plus/metrics"
	"github.com/ezquant/hedgenet/hedgenet/plus/models"
	hlog "github.com/ezquant/hedgenet/hedgenet/tools/log"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"github.com/xhit/go-str2duration/v2"
	"gonum.org/v1/gonum/stat"
)

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "eg. ./user_data/hedgenet.yml",
		EnvVars:  []string{"HEDGENET_CONFIG"},
		Required: true,
	}
	dataFlag = &cli.StringFlag{
		Name:     "data",
		Aliases:  []string{"d"},
		Usage:    "eg. ./user_data/dataset.yml",
		EnvVars:  []string{"HEDGENET_DATA"},
		Required: true,
	}
	checkpointFlag = &cli.StringFlag{
		Name:    "checkpoint",
		Aliases: []string{"k"},
		Usage:   "checkpoint directory",
		EnvVars: []string{"HEDGENET_CHECKPOINT"},
		Value:   "./user_data/model",
	}
	journalFlag = &cli.StringFlag{
		Name:    "journal",
		Aliases: []string{"j"},
		Usage:   "sqlite file of the training journal",
		EnvVars: []string{"HEDGENET_JOURNAL"},
		Value:   "./user_data/journal.db",
	}
)

func main() {
	// .env 文件不存在时忽略
	_ = godotenv.Load()

	app := &cli.App{
		Name:     "hedgenet",
		HelpName: "hedgenet",
		Usage:    "Train and run the portfolio allocation model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"HEDGENET_LOG_LEVEL"},
				Value:   "info",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := hlog.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			hlog.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:     "init",
				HelpName: "init",
				Usage:    "Write a reference configuration",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "eg. ./user_data/hedgenet.yml",
						Required: true,
					},
					&cli.IntFlag{Name: "assets", Aliases: []string{"a"}, Usage: "number of assets, cash excluded", Value: 3},
					&cli.IntFlag{Name: "window", Aliases: []string{"w"}, Usage: "steps per window", Value: 16},
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					path := c.String("config")
					if _, err := os.Stat(path); err == nil && !c.Bool("force") {
						return fmt.Errorf("%s exists, use --force to overwrite it", path)
					}
					config := models.ReferenceConfig(c.Int("assets"), c.Int("window"))
					if _, err := config.Topology(); err != nil {
						return err
					}
					if err := config.Save(path); err != nil {
						return err
					}
					fmt.Printf("配置已写入 %s\n", path)
					return nil
				},
			},
			{
				Name:     "train",
				HelpName: "train",
				Usage:    "Train the model on a dataset",
				Flags: []cli.Flag{
					configFlag,
					dataFlag,
					checkpointFlag,
					journalFlag,
					&cli.IntFlag{Name: "epochs", Aliases: []string{"e"}, Usage: "overrides training.epochs"},
					&cli.IntFlag{Name: "stride", Usage: "steps between windows (default the window length)"},
					&cli.BoolFlag{Name: "resume", Aliases: []string{"r"}, Usage: "start from the checkpoint when there is one"},
					&cli.StringFlag{Name: "time-limit", Aliases: []string{"t"}, Usage: "eg. 2h30m or 1d"},
					&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics, eg. :9100", EnvVars: []string{"HEDGENET_METRICS_ADDR"}},
				},
				Action: train,
			},
			{
				Name:     "trade",
				HelpName: "trade",
				Usage:    "Run the trained model over a window of a dataset",
				Flags: []cli.Flag{
					configFlag,
					dataFlag,
					checkpointFlag,
					&cli.IntFlag{Name: "start", Aliases: []string{"s"}, Usage: "first step of the window (default the last window)", Value: -1},
					&cli.Float64Flag{Name: "temperature", Usage: "overrides training.temperature"},
				},
				Action: trade,
			},
			{
				Name:     "summary",
				HelpName: "summary",
				Usage:    "Show histograms of intermediate outputs and parameters",
				Flags: []cli.Flag{
					configFlag,
					dataFlag,
					checkpointFlag,
					&cli.IntFlag{Name: "start", Aliases: []string{"s"}, Usage: "first step of the window (default the last window)", Value: -1},
				},
				Action: summary,
			},
			{
				Name:     "inspect",
				HelpName: "inspect",
				Usage:    "List the parameters stored in a checkpoint",
				Flags:    []cli.Flag{checkpointFlag},
				Action:   inspect,
			},
			{
				Name:     "history",
				HelpName: "history",
				Usage:    "List training runs, or the epochs of one run",
				Flags: []cli.Flag{
					journalFlag,
					&cli.StringFlag{Name: "run", Usage: "run id or a unique prefix of it"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "number of runs listed", Value: 20},
				},
				Action: history,
			},
			{
				Name:     "demo",
				HelpName: "demo",
				Usage:    "Train the reference configuration on synthetic data",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "assets", Aliases: []string{"a"}, Value: 3},
					&cli.IntFlag{Name: "window", Aliases: []string{"w"}, Value: 16},
					&cli.IntFlag{Name: "steps", Value: 256},
					&cli.IntFlag{Name: "epochs", Aliases: []string{"e"}, Value: 50},
					&cli.Int64Flag{Name: "seed", Value: 42},
				},
				Action: func(c *cli.Context) error {
					config := models.ReferenceConfig(c.Int("assets"), c.Int("window"))
					config.Seed = c.Int64("seed")
					config.Training.Epochs = c.Int("epochs")
					for i := range config.Schedule {
						config.Schedule[i].Epochs = c.Int("epochs")
					}
					_, err := synthetic.Run(c.Context, config, c.Int("steps"), c.Int64("seed"))
					return err
				},
			},
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadInputs(c *cli.Context) (*models.Config, *models.Dataset, error) {
	config, err := models.ReadConfig(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read config file: %w", err)
	}
	dataset, err := models.ReadDataset(c.String("data"))
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read dataset: %w", err)
	}
	return config, dataset, nil
}

// window picks the window starting at start, or the last one when start < 0.
func window(config *models.Config, dataset *models.Dataset, start int) (*models.Dataset, error) {
	if start < 0 {
		start = dataset.Len() - config.Window
	}
	return dataset.Slice(start, config.Window)
}

func restore(config *models.Config, dir string) (*hedgenet.Model, error) {
	model, err := config.NewModel()
	if err != nil {
		return nil, err
	}
	if err := model.Load(dir); err != nil {
		model.Close()
		return nil, err
	}
	return model, nil
}

func train(c *cli.Context) error {
	config, dataset, err := loadInputs(c)
	if err != nil {
		return err
	}
	windows, err := dataset.Windows(config.Window, c.Int("stride"))
	if err != nil {
		return err
	}
	feeds := make([]*hedgenet.Feed, len(windows))
	for i, w := range windows {
		if feeds[i], err = w.Feed(config.FeedOptions()...); err != nil {
			return fmt.Errorf("window %d: %w", i, err)
		}
	}

	model, err := config.NewModel()
	if err != nil {
		return err
	}
	defer model.Close()
	if c.Bool("resume") {
		switch err := model.Load(c.String("checkpoint")); {
		case errors.Is(err, checkpoint.ErrNotFound):
			hlog.Infof("no checkpoint in %s, starting from scratch", c.String("checkpoint"))
		case err != nil:
			return err
		}
	}

	scheduler, err := config.Scheduler()
	if err != nil {
		return err
	}
	j, err := journal.Open(c.String("journal"))
	if err != nil {
		return err
	}
	defer j.Close()

	options := []hedgenet.SessionOption{
		hedgenet.WithEvaluation(feeds[len(feeds)-1]),
		hedgenet.WithScheduler(scheduler),
		hedgenet.WithJournal(j),
		hedgenet.WithCheckpoint(c.String("checkpoint"), config.Training.CheckpointEvery),
		hedgenet.WithProgressBar(),
	}
	if limit := c.String("time-limit"); limit != "" {
		d, err := str2duration.ParseDuration(limit)
		if err != nil {
			return fmt.Errorf("time limit: %w", err)
		}
		options = append(options, hedgenet.WithTimeLimit(d))
	}
	if addr := c.String("metrics-addr"); addr != "" {
		collector, err := metrics.New(nil)
		if err != nil {
			return err
		}
		options = append(options, hedgenet.WithMetrics(collector))
		go func() {
			hlog.Infof("serving metrics on %s/metrics", addr)
			if err := metrics.Serve(c.Context, addr, nil); err != nil {
				hlog.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	session, err := hedgenet.NewSession(model, feeds, options...)
	if err != nil {
		return err
	}
	epochs := config.Training.Epochs
	if e := c.Int("epochs"); e > 0 {
		epochs = e
	}
	if err := session.Run(c.Context, epochs); err != nil {
		return err
	}
	fmt.Printf("\nrun %s\n", session.RunID())
	return session.Summary(os.Stdout)
}

func trade(c *cli.Context) error {
	config, dataset, err := loadInputs(c)
	if err != nil {
		return err
	}
	w, err := window(config, dataset, c.Int("start"))
	if err != nil {
		return err
	}
	options := append(config.FeedOptions(), hedgenet.WithKeepProb(1))
	if tao := c.Float64("temperature"); tao > 0 {
		options = append(options, hedgenet.WithTemperature(tao))
	}
	feed, err := w.Feed(options...)
	if err != nil {
		return err
	}

	model, err := restore(config, c.String("checkpoint"))
	if err != nil {
		return err
	}
	defer model.Close()

	res, err := model.Trade(feed)
	if err != nil {
		return err
	}
	return hedgenet.WriteResult(os.Stdout, res)
}

func summary(c *cli.Context) error {
	config, dataset, err := loadInputs(c)
	if err != nil {
		return err
	}
	w, err := window(config, dataset, c.Int("start"))
	if err != nil {
		return err
	}
	feed, err := w.Feed(config.FeedOptions()...)
	if err != nil {
		return err
	}
	model, err := restore(config, c.String("checkpoint"))
	if err != nil {
		return err
	}
	defer model.Close()

	hists, err := model.Summary(feed)
	if err != nil {
		return err
	}

	buffer := bytes.NewBuffer(nil)
	table := tablewriter.NewWriter(buffer)
	table.SetHeader([]string{"Name", "Count", "Min", "Max", "Mean", "Std", "NaN/Inf"})
	for _, h := range hists {
		table.Append([]string{
			h.Name,
			strconv.Itoa(h.Count),
			fmt.Sprintf("%.4f", h.Min),
			fmt.Sprintf("%.4f", h.Max),
			fmt.Sprintf("%.4f", h.Mean),
			fmt.Sprintf("%.4f", h.StdDev),
			strconv.Itoa(h.NonFinite),
		})
	}
	table.Render()
	fmt.Println(buffer.String())
	return nil
}

func inspect(c *cli.Context) error {
	store, err := checkpoint.Open(c.String("checkpoint"))
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.Names()
	if err != nil {
		return err
	}

	buffer := bytes.NewBuffer(nil)
	table := tablewriter.NewWriter(buffer)
	table.SetHeader([]string{"Parameter", "Shape", "Mean", "Std"})
	for _, name := range names {
		t, err := store.Tensor(name)
		if err != nil {
			return err
		}
		values, _ := t.Data().([]float64)
		mean, std := stat.PopMeanStdDev(values, nil)
		table.Append([]string{name, fmt.Sprintf("%v", t.Shape()), fmt.Sprintf("%.4f", mean), fmt.Sprintf("%.4f", std)})
	}
	table.Render()
	fmt.Println(buffer.String())

	for _, key := range []string{"assets", "window", "objective"} {
		if value, err := store.Meta(key); err == nil {
			fmt.Printf("%s: %s\n", key, value)
		}
	}
	return nil
}

func history(c *cli.Context) error {
	j, err := journal.Open(c.String("journal"))
	if err != nil {
		return err
	}
	defer j.Close()

	buffer := bytes.NewBuffer(nil)
	table := tablewriter.NewWriter(buffer)
	if id := c.String("run"); id != "" {
		run, err := j.Run(id)
		if err != nil {
			return err
		}
		table.SetHeader([]string{"Epoch", "Objective", "Cum log reward", "Sharpe", "Sortino", "Temperature", "Keep prob"})
		for _, e := range run.Epochs {
			table.Append([]string{
				strconv.Itoa(e.Epoch),
				fmt.Sprintf("%.6f", e.Objective),
				fmt.Sprintf("%.4f", e.CumLogReward),
				fmt.Sprintf("%.3f", e.Sharpe),
				fmt.Sprintf("%.3f", e.Sortino),
				fmt.Sprintf("%.3f", e.Temperature),
				fmt.Sprintf("%.2f", e.KeepProb),
			})
		}
	} else {
		runs, err := j.Runs(c.Int("limit"))
		if err != nil {
			return err
		}
		table.SetHeader([]string{"Run", "Started", "Objective", "Assets", "Window", "Learning rate", "Checkpoint"})
		for _, run := range runs {
			table.Append([]string{
				run.ID,
				run.CreatedAt.Format("2006-01-02 15:04"),
				run.Objective,
				strconv.Itoa(run.Assets),
				strconv.Itoa(run.Window),
				strconv.FormatFloat(run.LearningRate, 'g', -1, 64),
				run.Checkpoint,
			})
		}
	}
	table.Render()
	fmt.Println(buffer.String())
	return nil
}
