package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/urfave/cli/v2"

	"github.com/bdougie/stagecut/internal/analyzer"
	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/export"
	"github.com/bdougie/stagecut/internal/metrics"
	"github.com/bdougie/stagecut/internal/queue"
	"github.com/bdougie/stagecut/internal/sampler"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(rt *runtime) *cli.App {
	app := &cli.App{
		Name:    "stagecut",
		Usage:   "Reduce screen recordings to keyframes and label their behavioral stages",
		Version: Version,
		Commands: []*cli.Command{
			analyzeCmd(rt),
			stagesCmd(rt),
			videosCmd(rt),
			searchCmd(rt),
			reportCmd(rt),
			exportCmd(rt),
			clearCmd(rt),
			enqueueCmd(rt),
			workerCmd(rt),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func analyzeCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Analyze a video file or a directory of frame images",
		ArgsUsage: "<video>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Video id (defaults to the file name)"},
			&cli.StringFlag{Name: "product", Aliases: []string{"p"}, Usage: "Product name stored with the video"},
			&cli.StringFlag{Name: "strategy", Aliases: []string{"s"}, Value: rt.cfg.SamplingStrategy, Usage: "Sampling strategy: " + strategyNames()},
			&cli.Float64Flag{Name: "interval", Value: rt.cfg.FrameIntervalSeconds, Usage: "Seconds between uniform samples"},
			&cli.Float64Flag{Name: "fps", Usage: "Candidate frames per second (overrides --interval)"},
			&cli.IntFlag{Name: "max-frames", Value: rt.cfg.MaxFrames, Usage: "Maximum candidate frames (0 = no limit)"},
			&cli.Float64Flag{Name: "threshold", Aliases: []string{"t"}, Value: rt.cfg.SSIMThreshold, Usage: "SSIM below which a frame starts a new keyframe"},
			&cli.IntFlag{Name: "jpeg-quality", Value: rt.cfg.JPEGQuality, Usage: "JPEG quality of stored keyframes"},
			&cli.Float64Flag{Name: "dir-fps", Value: 1, Usage: "Frame rate of an image directory"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("analyze takes exactly one video path"))
			}
			strategy := sampler.Strategy(c.String("strategy"))
			if !slices.Contains(sampler.Strategies(), strategy) {
				return outputError(errors.NewInvalidRequest(fmt.Sprintf("unknown strategy %q, want %s", strategy, strategyNames())))
			}
			rt.dirFPS = c.Float64("dir-fps")

			proc, err := rt.Processor(c.Context, analyzer.Options{
				Policy: sampler.Policy{
					Strategy:        strategy,
					Interval:        c.Float64("interval"),
					FramesPerSecond: c.Float64("fps"),
					MaxFrames:       c.Int("max-frames"),
				},
				Threshold:   c.Float64("threshold"),
				JPEGQuality: c.Int("jpeg-quality"),
			}, true)
			if err != nil {
				return outputError(err)
			}

			analysis, err := proc.Analyze(c.Context, analyzer.Request{
				VideoPath:   c.Args().First(),
				VideoID:     c.String("id"),
				ProductName: c.String("product"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, analysis)
		},
	}
}

func stagesCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "stages",
		Usage:     "Show the stored stage timeline of a video",
		ArgsUsage: "<video-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "keyframes", Aliases: []string{"k"}, Usage: "Include keyframes"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("stages takes exactly one video id"))
			}
			t, err := loadTimeline(c.Context, rt, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			if !c.Bool("keyframes") {
				t.Keyframes = nil
			}
			return outputJSON(c.App.Writer, t)
		},
	}
}

func videosCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "videos",
		Usage: "List analyzed videos",
		Action: func(c *cli.Context) error {
			store, err := rt.Store(c.Context)
			if err != nil {
				return outputError(err)
			}
			videos, err := store.Videos(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, videos)
		},
	}
}

func searchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "product", Aliases: []string{"p"}, Usage: "Only match stages of this product"},
		&cli.Float64Flag{Name: "min-similarity", Value: 0.3, Usage: "Minimum cosine similarity"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 10, Usage: "Maximum matches"},
	}
}

func searchCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Find stored stages similar to a description",
		ArgsUsage: "<query>",
		Flags:     searchFlags(),
		Action: func(c *cli.Context) error {
			proc, err := rt.Processor(c.Context, analyzer.Options{}, false)
			if err != nil {
				return outputError(err)
			}
			matches, err := proc.Search(c.Context, c.Args().First(), c.String("product"), c.Float64("min-similarity"), c.Int("limit"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, matches)
		},
	}
}

func reportCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "report",
		Usage:     "Stream a comparison report over the stages matching a description",
		ArgsUsage: "<query>",
		Flags: append([]cli.Flag{
			&cli.IntFlag{Name: "max-chars", Usage: "Stop the report after this many characters (0 = no limit)"},
		}, searchFlags()...),
		Action: func(c *cli.Context) error {
			proc, err := rt.Processor(c.Context, analyzer.Options{}, false)
			if err != nil {
				return outputError(err)
			}
			query := c.Args().First()
			matches, err := proc.Search(c.Context, query, c.String("product"), c.Float64("min-similarity"), c.Int("limit"))
			if err != nil {
				return outputError(err)
			}
			if len(matches) == 0 {
				return outputError(errors.NewInvalidRequest(fmt.Sprintf("no stored stages match %q", query)))
			}

			reporter, err := rt.Reporter()
			if err != nil {
				return outputError(err)
			}
			w := c.App.Writer
			_, err = analyzer.CollectReport(c.Context, reporter, analyzer.BuildReportPrompt(query, matches), c.Int("max-chars"), func(s string) {
				io.WriteString(w, s)
			})
			fmt.Fprintln(w)
			if err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

func exportCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Write a video's stage timeline as Markdown and HTML",
		ArgsUsage: "<video-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("export takes exactly one video id"))
			}
			t, err := loadTimeline(c.Context, rt, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			arts, err := rt.Artifacts(c.Context)
			if err != nil {
				return outputError(err)
			}
			res, err := export.Write(c.Context, arts, t)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, map[string]string{
				"markdown": res.MarkdownRef,
				"html":     res.HTMLRef,
			})
		},
	}
}

func clearCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "clear",
		Usage:     "Delete the stored analysis and images of a video",
		ArgsUsage: "<video-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("clear takes exactly one video id"))
			}
			proc, err := rt.Processor(c.Context, analyzer.Options{}, false)
			if err != nil {
				return outputError(err)
			}
			id := c.Args().First()
			if err := proc.Clear(c.Context, id); err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, map[string]any{"video_id": id, "deleted": true})
		},
	}
}

func enqueueCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Queue a video for analysis by a worker",
		ArgsUsage: "<video>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Video id (defaults to the file name)"},
			&cli.StringFlag{Name: "product", Aliases: []string{"p"}, Usage: "Product name stored with the video"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("enqueue takes exactly one video path"))
			}
			conn, err := amqp.Dial(rt.cfg.RabbitMQURL)
			if err != nil {
				return outputError(fmt.Errorf("connect to rabbitmq: %w", err))
			}
			defer conn.Close()

			ch, err := conn.Channel()
			if err != nil {
				return outputError(err)
			}
			defer ch.Close()
			if err := queue.Declare(ch, consumerConfig(rt)); err != nil {
				return outputError(err)
			}

			pub, err := queue.NewPublisher(conn, rt.cfg.RabbitMQExchange, rt.cfg.RabbitMQDLQ)
			if err != nil {
				return outputError(err)
			}
			defer pub.Close()

			job := queue.Job{
				VideoPath:   c.Args().First(),
				VideoID:     c.String("id"),
				ProductName: c.String("product"),
			}
			if err := pub.Enqueue(c.Context, job); err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, job)
		},
	}
}

func workerCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Consume analysis jobs from RabbitMQ",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			proc, err := rt.Processor(ctx, analyzer.Options{
				Policy: sampler.Policy{
					Strategy:  sampler.Strategy(rt.cfg.SamplingStrategy),
					Interval:  rt.cfg.FrameIntervalSeconds,
					MaxFrames: rt.cfg.MaxFrames,
				},
				Threshold:   rt.cfg.SSIMThreshold,
				JPEGQuality: rt.cfg.JPEGQuality,
			}, true)
			if err != nil {
				return outputError(err)
			}

			metricsSrv := metrics.StartServer(rt.cfg.MetricsPort, rt.logger)

			consumer, err := queue.NewConsumer(consumerConfig(rt), queue.NewJobHandler(proc), rt.logger)
			if err != nil {
				return outputError(err)
			}
			defer consumer.Close()

			rt.logger.Info("stagecut worker started, consuming messages")
			if err := consumer.Start(ctx); err != nil {
				rt.logger.Error("consumer error", "error", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)

			rt.logger.Info("stagecut worker stopped")
			return nil
		},
	}
}

func consumerConfig(rt *runtime) queue.ConsumerConfig {
	return queue.ConsumerConfig{
		URL:         rt.cfg.RabbitMQURL,
		Queue:       rt.cfg.RabbitMQQueue,
		Exchange:    rt.cfg.RabbitMQExchange,
		DLQ:         rt.cfg.RabbitMQDLQ,
		Prefetch:    rt.cfg.RabbitMQPrefetch,
		WorkerCount: rt.cfg.WorkerCount,
		MaxRetries:  rt.cfg.MaxRetries,
		BaseDelayMs: rt.cfg.RetryBaseDelayMs,
	}
}

func loadTimeline(ctx context.Context, rt *runtime, videoID string) (export.Timeline, error) {
	store, err := rt.Store(ctx)
	if err != nil {
		return export.Timeline{}, err
	}
	video, err := store.Video(ctx, videoID)
	if err != nil {
		return export.Timeline{}, err
	}
	list, err := store.Stages(ctx, videoID)
	if err != nil {
		return export.Timeline{}, err
	}
	kfs, err := store.Keyframes(ctx, videoID)
	if err != nil {
		return export.Timeline{}, err
	}
	return export.Timeline{Video: video, Stages: list, Keyframes: kfs}, nil
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI. Untyped errors are reported as INTERNAL.
func outputError(err error) error {
	var se *errors.StageError
	if !stderrors.As(err, &se) {
		se = errors.NewInternal(err)
	}
	return cli.Exit(fmt.Sprintf("[%s] %s", se.Code, se.Message), 1)
}

func strategyNames() string {
	names := make([]string, 0, len(sampler.Strategies()))
	for _, s := range sampler.Strategies() {
		names = append(names, string(s))
	}
	return strings.Join(names, "|")
}
