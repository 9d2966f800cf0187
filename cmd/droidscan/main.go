package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/apk-analysis/droidscan/internal/analysis"
	"github.com/apk-analysis/droidscan/internal/api"
	"github.com/apk-analysis/droidscan/internal/config"
	"github.com/apk-analysis/droidscan/internal/properties"
	"github.com/apk-analysis/droidscan/internal/repository"
	"github.com/apk-analysis/droidscan/internal/rules"
	"github.com/apk-analysis/droidscan/internal/utils"
	"github.com/apk-analysis/droidscan/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const usage = `Usage:
  droidscan [flags] <sample-dir> [<sample-dir>...]
  droidscan --import-trackers [--trackers-out kit-suggested.conf]

Flags:
`

// options 只对单个样本有意义的参数
type options struct {
	configPath     string
	name           string
	sha256         string
	mainActivity   string
	dexPath        string
	output         string
	save           bool
	importTrackers bool
	trackersOut    string
	verbose        bool
	version        bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run 解析参数并执行，返回进程退出码
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("droidscan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	var opts options
	fs.StringVarP(&opts.configPath, "config", "c", "", "config file path")
	fs.String("rules-dir", "", "directory holding kit/smali/wide/arm rule files")
	fs.String("kit", "", "kit rule file")
	fs.String("smali", "", "smali rule file")
	fs.String("wide", "", "wide rule file")
	fs.String("arm", "", "arm rule file")
	fs.IntP("workers", "w", 0, "files scanned in parallel per sample")
	fs.Int("max-depth", 0, "maximum directory recursion depth")
	fs.IntP("concurrency", "j", 0, "samples analyzed in parallel")
	fs.Bool("no-kit-exception", false, "scan third-party kit directories too")
	fs.Bool("details", false, "write per-match details.jsonl into each sample")
	fs.StringVar(&opts.name, "name", "", "sample name (single sample only)")
	fs.StringVar(&opts.sha256, "sha256", "", "sample sha256 (single sample only)")
	fs.StringVar(&opts.mainActivity, "main-activity", "", "manifest main activity (single sample only)")
	fs.StringVar(&opts.dexPath, "dex", "", "classes.dex path (single sample only)")
	fs.StringVarP(&opts.output, "output", "o", "", `report destination: "-" for stdout, a file path, or empty for <sample>/report.json`)
	fs.BoolVar(&opts.save, "save", false, "persist reports to the configured database")
	fs.BoolVar(&opts.importTrackers, "import-trackers", false, "fetch the tracker list and print kit sections not yet covered")
	fs.StringVar(&opts.trackersOut, "trackers-out", "", "write suggested kit sections to this file instead of stdout")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if opts.version {
		fmt.Fprintf(stdout, "droidscan %s\n", api.Version)
		return 0
	}

	cfg, err := loadConfig(fs, opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 2
	}

	// 报告可能写到 stdout，日志一律走 stderr
	cfg.Log.Output = "stderr"
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	logger := config.InitLogger(&cfg.Log)
	logger.SetOutput(stderr)

	corpora, err := rules.LoadCorpora(rules.Paths{
		Kit:   cfg.Rules.Path(cfg.Rules.Kit),
		Smali: cfg.Rules.Path(cfg.Rules.Smali),
		Wide:  cfg.Rules.Path(cfg.Rules.Wide),
		Arm:   optionalPath(cfg.Rules.Path(cfg.Rules.Arm)),
	})
	if err != nil {
		logger.WithError(err).Error("Failed to load rules")
		return 2
	}

	if opts.importTrackers {
		if err := importTrackers(ctx, cfg, corpora.Kit, opts.trackersOut, stdout, logger); err != nil {
			logger.WithError(err).Error("Tracker import failed")
			return 1
		}
		return 0
	}

	roots := fs.Args()
	if len(roots) == 0 {
		fs.Usage()
		return 2
	}
	if len(roots) > 1 && (opts.name != "" || opts.sha256 != "" || opts.mainActivity != "" || opts.dexPath != "") {
		logger.Error("--name, --sha256, --main-activity and --dex need exactly one sample")
		return 2
	}

	analyzer, err := analysis.NewAnalyzer(corpora, logger, analysis.Options{
		NoKitException: cfg.Scan.NoKitException,
		DumpDetails:    cfg.Scan.DumpDetails,
		Workers:        cfg.Scan.Workers,
		MaxDepth:       cfg.Scan.MaxDepth,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to init analyzer")
		return 2
	}

	orchOpts := []worker.OrchestratorOption{worker.WithReportFile(opts.output == "")}
	if opts.save {
		db, err := repository.InitDB(&cfg.Database, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to init database")
			return 1
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		orchOpts = append(orchOpts, worker.WithRepository(repository.NewReportRepository(db)))
	}
	orch := worker.NewOrchestrator(analyzer, logger, orchOpts...)

	samples := make([]analysis.Sample, len(roots))
	for i, root := range roots {
		samples[i] = worker.Prepare(analysis.Sample{Root: root})
	}
	if len(samples) == 1 {
		s := &samples[0]
		if opts.name != "" {
			s.Name = opts.name
		}
		s.SHA256 = opts.sha256
		s.MainActivity = opts.mainActivity
		s.DexPath = opts.dexPath
	}

	type outcome struct {
		report *analysis.Report
		err    error
	}
	mapper := iter.Mapper[analysis.Sample, outcome]{MaxGoroutines: cfg.Worker.Concurrency}
	outcomes := mapper.Map(samples, func(s *analysis.Sample) outcome {
		rep, err := orch.ExecuteTask(ctx, *s)
		return outcome{report: rep, err: err}
	})

	var reports []*analysis.Report
	failed := 0
	for i, o := range outcomes {
		if o.err != nil {
			failed++
			logger.WithError(o.err).WithField("root", samples[i].Root).Error("Analysis failed")
			continue
		}
		reports = append(reports, o.report)
		printSummary(stderr, o.report)
	}

	if err := writeReports(opts.output, reports, stdout); err != nil {
		logger.WithError(err).Error("Failed to write reports")
		return 1
	}

	if failed > 0 {
		return 1
	}
	return 0
}

// loadConfig 合并默认值、配置文件、环境变量与命令行参数
func loadConfig(fs *flag.FlagSet, path string) (*config.Config, error) {
	v := config.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	bindings := map[string]string{
		"rules.dir":             "rules-dir",
		"rules.kit":             "kit",
		"rules.smali":           "smali",
		"rules.wide":            "wide",
		"rules.arm":             "arm",
		"scan.workers":          "workers",
		"scan.max_depth":        "max-depth",
		"scan.no_kit_exception": "no-kit-exception",
		"scan.dump_details":     "details",
		"worker.concurrency":    "concurrency",
	}
	for key, name := range bindings {
		if err := bindChanged(v, key, fs.Lookup(name)); err != nil {
			return nil, err
		}
	}

	return config.Unmarshal(v)
}

// bindChanged 只有显式给出的参数才覆盖配置
func bindChanged(v *viper.Viper, key string, f *flag.Flag) error {
	if f == nil || !f.Changed {
		return nil
	}
	return v.BindPFlag(key, f)
}

// optionalPath arm 规则文件不存在时跳过 arm 扫描
func optionalPath(path string) string {
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// writeReports 按 --output 输出报告
func writeReports(output string, reports []*analysis.Report, stdout io.Writer) error {
	switch {
	case output == "":
		return nil
	case output == "-" && len(reports) == 1:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports[0])
	case output == "-":
		enc := json.NewEncoder(stdout)
		for _, rep := range reports {
			if err := enc.Encode(rep); err != nil {
				return err
			}
		}
		return nil
	case len(reports) == 1:
		data, err := json.MarshalIndent(reports[0], "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(output, append(data, '\n'), 0o644)
	default:
		w, err := utils.NewStreamJSONLWriter(output)
		if err != nil {
			return err
		}
		for _, rep := range reports {
			if err := w.WriteLine(rep); err != nil {
				w.Close()
				return err
			}
		}
		return w.Close()
	}
}

func printSummary(w io.Writer, rep *analysis.Report) {
	packed := rep.Smali.IsTrue(properties.PropPacked)
	if rep.Packer != nil && rep.Packer.IsPacked {
		packed = true
	}
	fmt.Fprintf(w, "%s: %d kits, %d urls, packed=%t (%d ms)\n",
		rep.Name, len(rep.Kits), len(rep.Wide.Items(properties.PropURLs)), packed, rep.DurationMS)
}

// importTrackers 拉取追踪器列表，输出 kit 规则集尚未覆盖的规则段
func importTrackers(ctx context.Context, cfg *config.Config, kit *rules.Corpus, out string, stdout io.Writer, logger *logrus.Logger) error {
	client := rules.NewTrackerClient(logger)
	trackers, err := client.FetchTrackers(ctx, cfg.Rules.TrackerURL)
	if err != nil {
		return err
	}

	sections := rules.SuggestKitSections(trackers, kit, logger)
	logger.WithFields(logrus.Fields{
		"trackers":  len(trackers),
		"suggested": len(sections),
	}).Info("Tracker import finished")

	text := rules.FormatINI(sections)
	if out == "" {
		_, err := io.WriteString(stdout, text)
		return err
	}
	return os.WriteFile(out, []byte(text), 0o644)
}
