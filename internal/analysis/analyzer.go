package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/droidscan/internal/dex"
	"github.com/apk-analysis/droidscan/internal/kit"
	"github.com/apk-analysis/droidscan/internal/packer"
	"github.com/apk-analysis/droidscan/internal/properties"
	"github.com/apk-analysis/droidscan/internal/rules"
	"github.com/apk-analysis/droidscan/internal/scanner"
)

const (
	// DetailsFileName 命中明细文件
	DetailsFileName = "details.jsonl"
	// ReportFileName 报告文件
	ReportFileName = "report.json"
)

// 宽扫描固定排除：解包中间产物与本工具的输出文件
var wideExclusions = []string{"/unjarred", "/unzipped", "/unknown", "classes.dex", "details.md", DetailsFileName, ReportFileName}

// ErrSampleNotFound 样本目录不存在
var ErrSampleNotFound = errors.New("sample root not found")

// Options 分析选项
type Options struct {
	NoKitException bool // 不排除已识别 SDK 的代码
	DumpDetails    bool // 在样本目录写 details.jsonl
	Workers        int
	MaxDepth       int
	Metrics        MetricsRecorder
}

// Analyzer 单样本分析器，规则集只读共享，可并发分析多个样本
type Analyzer struct {
	corpora *rules.Corpora
	smaliRE *regexp.Regexp
	wideRE  *regexp.Regexp
	armRE   []sectionRegexp

	scanner *scanner.Scanner
	kits    *kit.Detector
	packers *packer.Detector
	urls    *properties.URLFilter
	metrics MetricsRecorder
	opts    Options
	logger  *logrus.Logger
}

type sectionRegexp struct {
	name string
	re   *regexp.Regexp
}

// NewAnalyzer 编译规则并创建分析器
func NewAnalyzer(corpora *rules.Corpora, logger *logrus.Logger, opts Options) (*Analyzer, error) {
	if corpora == nil || corpora.Kit == nil || corpora.Smali == nil || corpora.Wide == nil {
		return nil, errors.New("kit, smali and wide rule corpora are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	smaliRE, err := corpora.Smali.Compile()
	if err != nil {
		return nil, err
	}
	wideRE, err := corpora.Wide.Compile()
	if err != nil {
		return nil, err
	}

	var armRE []sectionRegexp
	if corpora.Arm != nil {
		for _, name := range corpora.Arm.Sections() {
			re, err := corpora.Arm.SectionRegexp(name)
			if err != nil {
				return nil, err
			}
			armRE = append(armRE, sectionRegexp{name: name, re: re})
		}
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}

	return &Analyzer{
		corpora: corpora,
		smaliRE: smaliRE,
		wideRE:  wideRE,
		armRE:   armRE,
		scanner: scanner.New(logger, scanner.WithWorkers(opts.Workers), scanner.WithMaxDepth(opts.MaxDepth)),
		kits:    kit.NewDetector(logger, opts.Workers),
		packers: packer.NewDetector(logger),
		urls:    properties.DefaultURLFilter(),
		metrics: metrics,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Analyze 依次执行：文件统计、SDK 识别、smali 扫描、宽扫描、嵌入可执行文件、DEX 头部、壳特征
// 样本目录不存在或 ctx 被取消时返回错误，其余失败降级为未知或默认值
func (a *Analyzer) Analyze(ctx context.Context, sample Sample) (rep *Report, err error) {
	start := time.Now()
	defer func() {
		kits := 0
		if rep != nil {
			kits = len(rep.Kits)
		}
		a.metrics.ObserveAnalysis(kits, time.Since(start), err)
	}()

	info, statErr := os.Stat(sample.Root)
	if statErr != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSampleNotFound, sample.Root)
	}

	log := a.logger.WithFields(logrus.Fields{"sample_id": sample.ID, "root": sample.Root})
	log.Info("Starting analysis")

	rep = &Report{
		SampleID:  sample.ID,
		Name:      sample.Name,
		SHA256:    sample.SHA256,
		Root:      sample.Root,
		Kits:      []string{},
		ScanStats: make(map[string]scanner.Stats),
		StartedAt: start,
	}

	var dump *detailsDump
	if a.opts.DumpDetails {
		if dump, err = newDetailsDump(sample.Root, log); err != nil {
			log.WithError(err).Warn("Cannot write match details")
			dump = nil
		} else {
			defer func() {
				if cerr := dump.Close(); cerr != nil {
					log.WithError(cerr).Warn("Failed to close match details")
				}
			}()
		}
	}

	smali, multidex := smaliDirs(sample.Root)
	if len(smali) > 0 {
		rep.Files = countFileDirs(smali[0])
		if kits := a.kits.DetectDirs(ctx, smali, a.corpora.Kit); kits != nil {
			rep.Kits = kits
		}
	}

	if err = interrupted(ctx); err != nil {
		return nil, err
	}

	exclusions := scanner.NewExclusionSet()
	if !a.opts.NoKitException {
		exclusions = kit.Exclusions(rep.Kits, a.corpora.Kit, a.logger)
	}

	rep.Smali = a.smaliPass(ctx, smali, multidex, sample.MainActivity, exclusions, rep, dump)
	if err = interrupted(ctx); err != nil {
		return nil, err
	}
	rep.Wide, rep.Arm, rep.Embedded = a.widePass(ctx, sample.Root, exclusions, rep, dump)
	if err = interrupted(ctx); err != nil {
		return nil, err
	}
	rep.Dex = a.dexFacts(sample, log)
	rep.Packer = a.packers.Detect(ctx, sample.Root, smali)
	if err = interrupted(ctx); err != nil {
		return nil, err
	}

	rep.DurationMS = time.Since(start).Milliseconds()
	log.WithFields(logrus.Fields{
		"kits":        len(rep.Kits),
		"smali_true":  len(rep.Smali.TrueNames()),
		"wide_true":   len(rep.Wide.TrueNames()),
		"urls":        len(rep.Wide.Items(properties.PropURLs)),
		"duration_ms": rep.DurationMS,
	}).Info("Analysis completed")

	return rep, nil
}

// interrupted 取消后各阶段的空结果不可信，整个分析按失败处理
func interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("analysis interrupted: %w", err)
	}
	return nil
}

func (a *Analyzer) scan(ctx context.Context, category, root string, re *regexp.Regexp, exclusions *scanner.ExclusionSet, rep *Report) *scanner.MatchIndex {
	start := time.Now()
	index, stats := a.scanner.Scan(ctx, root, re, exclusions)
	elapsed := time.Since(start)

	total := rep.ScanStats[category]
	total.Files += stats.Files
	total.Dirs += stats.Dirs
	total.Skipped += stats.Skipped
	total.Errors += stats.Errors
	rep.ScanStats[category] = total

	a.metrics.ObserveScan(category, stats, elapsed)
	return index
}

func (a *Analyzer) smaliPass(ctx context.Context, dirs, multidex []string, mainActivity string, exclusions *scanner.ExclusionSet, rep *Report, dump *detailsDump) properties.Record {
	rec := properties.Defaults(a.corpora.Smali)
	rec.SetBool(properties.PropPacked, false)
	rec.Set(properties.PropMultidex, properties.List())

	if len(dirs) == 0 {
		a.logger.WithField("root", rep.Root).Warn("No smali directory, smali properties unknown")
		rec.MarkUnknown()
		return rec
	}

	index := scanner.NewMatchIndex()
	for _, dir := range dirs {
		index.Merge(a.scan(ctx, rules.CategorySmali, dir, a.smaliRE, exclusions, rep))
	}
	dump.write(rules.CategorySmali, rep.Root, index)

	rec.Merge(properties.Aggregate(index, a.corpora.Smali))
	properties.MarkSmaliKeywords(rec, index)
	for _, name := range multidex {
		rec.AppendUnique(properties.PropMultidex, strings.Replace(name, "smali_", "", 1)+".dex")
	}
	properties.DetectPacked(rec, dirs, mainActivity)
	return rec
}

func (a *Analyzer) widePass(ctx context.Context, root string, kitExclusions *scanner.ExclusionSet, rep *Report, dump *detailsDump) (properties.Record, properties.Record, []EmbeddedFile) {
	wide := properties.Defaults(a.corpora.Wide)
	wide.Set(properties.PropPhoneNumbers, properties.List())
	wide.Set(properties.PropURLs, properties.List())
	wide.Set(properties.PropBase64Strings, properties.List())
	wide.SetBool(properties.PropAPKZipURL, false)
	wide.Set(properties.PropAppName, properties.Unknown())

	arm := properties.Record{}
	if a.corpora.Arm != nil {
		arm = properties.Defaults(a.corpora.Arm)
	}

	if fileExists(filepath.Join(root, filepath.FromSlash(ijiamiMarker))) {
		wide.SetBool(properties.PropIjiami, true)
	}

	embedded := a.embeddedPass(root, wide, arm)

	exclusions := kitExclusions.With(wideExclusions...)
	index := a.scan(ctx, rules.CategoryWide, root, a.wideRE, exclusions, rep)
	dump.write(rules.CategoryWide, root, index)

	wide.Merge(properties.Aggregate(index, a.corpora.Wide))
	properties.ExtractPhoneNumbers(wide, index)
	for _, key := range index.Keys() {
		if properties.IsCandidate(key) {
			a.urls.Apply(wide, key)
		}
	}

	b64 := a.scan(ctx, "base64", root, properties.Base64Pattern, exclusions, rep)
	properties.RecoverBase64(wide, b64)

	if name, ok := readAppName(root); ok {
		wide.Set(properties.PropAppName, properties.Text(name))
	}

	return wide, arm, embedded
}

// embeddedPass 查找嵌入的可执行文件，ARM 文件的字符串再按 arm 规则逐段匹配
func (a *Analyzer) embeddedPass(root string, wide, arm properties.Record) []EmbeddedFile {
	var embedded []EmbeddedFile
	for _, rel := range embeddedDirs {
		embedded = append(embedded, a.findEmbedded(filepath.Join(root, rel))...)
	}
	if len(embedded) == 0 {
		return nil
	}
	wide.SetBool(properties.PropEmbedExec, true)

	for _, f := range embedded {
		if f.Kind != EmbeddedARM || len(a.armRE) == 0 {
			continue
		}
		text, err := extractStrings(f.Path)
		if err != nil {
			a.logger.WithError(err).WithField("file", f.Path).Warn("Cannot read embedded executable")
			continue
		}
		for _, s := range a.armRE {
			matches := s.re.FindAllString(text, -1)
			if len(matches) == 0 {
				continue
			}
			arm.SetBool(s.name, true)
			if s.name == properties.PropURLInExec {
				for _, m := range matches {
					a.urls.Apply(wide, m)
				}
			}
		}
	}
	return embedded
}

func (a *Analyzer) dexFacts(sample Sample, log *logrus.Entry) *dex.HeaderFacts {
	candidates := []string{sample.DexPath}
	if sample.DexPath == "" {
		candidates = []string{
			filepath.Join(sample.Root, "classes.dex"),
			filepath.Join(sample.Root, "unzipped", "classes.dex"),
		}
	}
	for _, path := range candidates {
		facts, err := dex.ValidateFile(path)
		if err == nil {
			return &facts
		}
		log.WithError(err).WithField("dex", path).Debug("DEX header not available")
	}
	return nil
}
