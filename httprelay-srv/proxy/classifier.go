package proxy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/codefionn/httprelay/httprelay-srv/config"
	"github.com/codefionn/httprelay/httprelay-srv/logger"
)

// ClassifierInput contains the input data for classification decisions.
type ClassifierInput struct {
	host string
	port int
}

func classifierInputFor(ep Endpoint) ClassifierInput {
	return ClassifierInput{host: ep.Host, port: ep.Port}
}

// Classifier decides whether an endpoint matches a rule.
type Classifier interface {
	Classify(input ClassifierInput) (bool, error)
}

// ClassifierAnd matches when every sub-classifier matches.
type ClassifierAnd struct {
	Classifiers []Classifier
}

func (c *ClassifierAnd) Classify(input ClassifierInput) (bool, error) {
	for _, classifier := range c.Classifiers {
		result, err := classifier.Classify(input)
		if err != nil {
			return false, err
		}
		if !result {
			return false, nil
		}
	}
	return true, nil
}

// ClassifierOr matches when any sub-classifier matches.
type ClassifierOr struct {
	Classifiers []Classifier
}

func (c *ClassifierOr) Classify(input ClassifierInput) (bool, error) {
	for _, classifier := range c.Classifiers {
		result, err := classifier.Classify(input)
		if err != nil {
			return false, err
		}
		if result {
			return true, nil
		}
	}
	return false, nil
}

// ClassifierNot negates the result of another classifier.
type ClassifierNot struct {
	Classifier Classifier
}

func (c *ClassifierNot) Classify(input ClassifierInput) (bool, error) {
	result, err := c.Classifier.Classify(input)
	if err != nil {
		return false, err
	}
	return !result, nil
}

type ClassifierStrEq struct {
	Domain string
}

func (c *ClassifierStrEq) Classify(input ClassifierInput) (bool, error) {
	return input.host == c.Domain, nil
}

type ClassifierStrNotEq struct {
	Domain string
}

func (c *ClassifierStrNotEq) Classify(input ClassifierInput) (bool, error) {
	return input.host != c.Domain, nil
}

type ClassifierStrContains struct {
	Domain string
}

func (c *ClassifierStrContains) Classify(input ClassifierInput) (bool, error) {
	return strings.Contains(input.host, c.Domain), nil
}

type ClassifierStrNotContains struct {
	Domain string
}

func (c *ClassifierStrNotContains) Classify(input ClassifierInput) (bool, error) {
	return !strings.Contains(input.host, c.Domain), nil
}

// ClassifierStrIs matches the domain itself or any subdomain of it.
type ClassifierStrIs struct {
	Domain string
}

func (c *ClassifierStrIs) Classify(input ClassifierInput) (bool, error) {
	return input.host == c.Domain || strings.HasSuffix(input.host, "."+c.Domain), nil
}

// ClassifierRef looks up a named classifier when it is evaluated. All refs
// compiled together share one map, so refs nested anywhere resolve.
type ClassifierRef struct {
	Id          string
	Classifiers map[string]Classifier
}

func (c *ClassifierRef) Classify(input ClassifierInput) (bool, error) {
	classifier, ok := c.Classifiers[c.Id]
	if !ok {
		return false, NewProxyError(ErrCodeClassifierError, GetErrorDescription(ErrCodeClassifierError), fmt.Errorf("unknown classifier reference %q", c.Id))
	}
	return classifier.Classify(input)
}

// ClassifierPort matches the endpoint port.
type ClassifierPort struct {
	Port int
}

func (c *ClassifierPort) Classify(input ClassifierInput) (bool, error) {
	return input.port == c.Port, nil
}

type ClassifierTrue struct{}

func (c *ClassifierTrue) Classify(input ClassifierInput) (bool, error) { return true, nil }

type ClassifierFalse struct{}

func (c *ClassifierFalse) Classify(input ClassifierInput) (bool, error) { return false, nil }

// ClassifierDomains matches a host equal to, or a subdomain of, any domain in
// DomainList, using an Aho-Corasick trie over the list.
type ClassifierDomains struct {
	Trie       *ahocorasick.Trie
	DomainList []string
}

func newClassifierDomains(domains []string) *ClassifierDomains {
	c := &ClassifierDomains{DomainList: domains}
	if len(domains) > 0 {
		c.Trie = ahocorasick.NewTrieBuilder().AddStrings(domains).Build()
	}
	return c
}

func (c *ClassifierDomains) Classify(input ClassifierInput) (bool, error) {
	if c.Trie == nil {
		return false, nil
	}
	for _, match := range c.Trie.MatchString(input.host) {
		matchedDomain := c.DomainList[match.Pattern()]

		if !strings.HasSuffix(input.host, matchedDomain) {
			continue
		}
		if len(input.host) == len(matchedDomain) {
			return true, nil
		}
		// Subdomain match: the host ends with ".domain"
		if input.host[len(input.host)-len(matchedDomain)-1] == '.' {
			return true, nil
		}
	}
	return false, nil
}

// ClassifierOrDomains is an OR over domain/equal classifiers.
type ClassifierOrDomains struct {
	Domains map[string]struct{}
}

func (c *ClassifierOrDomains) Classify(input ClassifierInput) (bool, error) {
	_, ok := c.Domains[input.host]
	return ok, nil
}

var rgComment = regexp.MustCompile(`\A(.*?)[ \t\v]*(?:[#;].*)?\z`)
var rgSplitDomains = regexp.MustCompile(`[ \t\v]+`)

// readDomainsFile reads one domain per entry, hosts-file style: '#' and ';'
// start comments, 0.0.0.0 entries are skipped and a leading "*." is dropped.
func readDomainsFile(filePath string) ([]string, error) {
	cleanPath := filepath.Clean(filePath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing domains file: %v", closeErr)
		}
	}()

	var domainList []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		line = rgComment.FindStringSubmatch(line)[1]

		for _, domain := range rgSplitDomains.Split(line, -1) {
			if domain == "" || domain == "0.0.0.0" {
				continue
			}
			domainList = append(domainList, strings.TrimPrefix(domain, "*."))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains file: %w", err)
	}
	return domainList, nil
}

// classifierCompiler turns config classifiers into runtime classifiers.
// Named classifiers are compiled into refs, which every ClassifierRef
// produced by the same compiler resolves against.
type classifierCompiler struct {
	refs map[string]Classifier
}

// CompileClassifiersMap compiles named classifiers. The returned map is the
// one refs resolve against.
func CompileClassifiersMap(classifiers map[string]config.Classifier) (map[string]Classifier, error) {
	cc := &classifierCompiler{refs: make(map[string]Classifier, len(classifiers))}
	if err := cc.compileNamed(classifiers); err != nil {
		return nil, err
	}
	return cc.refs, nil
}

func (cc *classifierCompiler) compileNamed(classifiers map[string]config.Classifier) error {
	for name, classifier := range classifiers {
		c, err := cc.compile(classifier)
		if err != nil {
			return fmt.Errorf("classifier %q: %w", name, err)
		}
		cc.refs[name] = c
	}
	return nil
}

// CompileClassifier compiles a classifier that has no named classifiers to
// refer to.
func CompileClassifier(classifier config.Classifier) (Classifier, error) {
	cc := &classifierCompiler{refs: map[string]Classifier{}}
	return cc.compile(classifier)
}

func (cc *classifierCompiler) compileList(classifiers []config.Classifier) ([]Classifier, error) {
	result := make([]Classifier, 0, len(classifiers))
	for _, classifier := range classifiers {
		c, err := cc.compile(classifier)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

func (cc *classifierCompiler) compile(classifier config.Classifier) (Classifier, error) {
	if classifier == nil {
		return nil, fmt.Errorf("nil classifier provided")
	}

	switch c := classifier.(type) {
	case *config.ClassifierPort:
		return &ClassifierPort{Port: c.Port}, nil
	case *config.ClassifierAnd:
		list, err := cc.compileList(c.Classifiers)
		if err != nil {
			return nil, err
		}
		return &ClassifierAnd{Classifiers: list}, nil
	case *config.ClassifierOr:
		if optimized := tryOptimizeOrClassifier(c); optimized != nil {
			return optimized, nil
		}
		list, err := cc.compileList(c.Classifiers)
		if err != nil {
			return nil, err
		}
		return &ClassifierOr{Classifiers: list}, nil
	case *config.ClassifierNot:
		inner, err := cc.compile(c.Classifier)
		if err != nil {
			return nil, err
		}
		return &ClassifierNot{Classifier: inner}, nil
	case *config.ClassifierDomain:
		switch c.Op {
		case config.ClassifierOpEqual:
			return &ClassifierStrEq{Domain: c.Domain}, nil
		case config.ClassifierOpNotEqual:
			return &ClassifierStrNotEq{Domain: c.Domain}, nil
		case config.ClassifierOpContains:
			return &ClassifierStrContains{Domain: c.Domain}, nil
		case config.ClassifierOpNotContains:
			return &ClassifierStrNotContains{Domain: c.Domain}, nil
		case config.ClassifierOpIs:
			return &ClassifierStrIs{Domain: c.Domain}, nil
		default:
			return nil, fmt.Errorf("unsupported domain classifier operation: %v", c.Op)
		}
	case *config.ClassifierDomains:
		domains := append([]string(nil), c.Domains...)
		if c.FilePath != "" {
			fromFile, err := readDomainsFile(c.FilePath)
			if err != nil {
				return nil, err
			}
			if len(fromFile) == 0 {
				logger.Warn("No domains found in file: %s", c.FilePath)
			}
			domains = append(domains, fromFile...)
		}
		logger.Debug("Created Aho-Corasick domains classifier with %d domains", len(domains))
		return newClassifierDomains(domains), nil
	case *config.ClassifierRef:
		return &ClassifierRef{Id: c.Id, Classifiers: cc.refs}, nil
	case *config.ClassifierTrue:
		return &ClassifierTrue{}, nil
	case *config.ClassifierFalse:
		return &ClassifierFalse{}, nil
	default:
		return nil, fmt.Errorf("unsupported classifier type: %v", classifier.Type())
	}
}

// tryOptimizeOrClassifier collapses an OR made only of domain/equal or only
// of domain/is classifiers into a single lookup. It returns nil when the
// OR has another shape.
func tryOptimizeOrClassifier(orClassifier *config.ClassifierOr) Classifier {
	if len(orClassifier.Classifiers) < 2 {
		return nil
	}
	var domains []string
	allEqual, allIs := true, true
	for _, sub := range orClassifier.Classifiers {
		d, ok := sub.(*config.ClassifierDomain)
		if !ok {
			return nil
		}
		switch d.Op {
		case config.ClassifierOpEqual:
			allIs = false
		case config.ClassifierOpIs:
			allEqual = false
		default:
			return nil
		}
		domains = append(domains, d.Domain)
	}

	switch {
	case allEqual:
		set := make(map[string]struct{}, len(domains))
		for _, d := range domains {
			set[d] = struct{}{}
		}
		return &ClassifierOrDomains{Domains: set}
	case allIs:
		logger.Debug("Created optimized Aho-Corasick OR classifier with %d is domains", len(domains))
		return newClassifierDomains(domains)
	}
	return nil
}

type compiledForward struct {
	fwd        config.Forward
	classifier Classifier
}

// Router selects the forward rule for an endpoint: the first rule whose
// classifier matches wins. No match means a direct connection.
type Router struct {
	forwards []compiledForward
}

// NewRouter compiles the configured classifiers and forwards. A forward whose
// classifier fails to compile is logged and left out.
func NewRouter(cfg *config.Config) (*Router, error) {
	cc := &classifierCompiler{refs: make(map[string]Classifier, len(cfg.Classifiers))}
	if err := cc.compileNamed(cfg.Classifiers); err != nil {
		return nil, NewConfigurationError(ErrCodeConfigurationError, GetErrorDescription(ErrCodeConfigurationError), err)
	}

	r := &Router{}
	for i, fwd := range cfg.Forwards {
		clf, err := cc.compile(fwd.Classifier())
		if err != nil {
			logger.Error("Error compiling classifier for forward[%d] (%T): %v", i, fwd, err)
			continue
		}
		r.forwards = append(r.forwards, compiledForward{fwd: fwd, classifier: clf})
	}
	logger.Debug("Compiled %d of %d forward rules", len(r.forwards), len(cfg.Forwards))
	return r, nil
}

// Select returns the forward rule for ep, or nil for a direct connection.
// Classifier errors are logged and the rule is skipped.
func (r *Router) Select(ep Endpoint) config.Forward {
	if r == nil {
		return nil
	}
	input := classifierInputFor(ep)
	for i, cf := range r.forwards {
		matched, err := cf.classifier.Classify(input)
		if err != nil {
			logger.Error("Error evaluating classifier for forward[%d] type %T: %v", i, cf.fwd, err)
			continue
		}
		if matched {
			logger.Debug("Matched forward[%d] type %T for %s", i, cf.fwd, ep)
			return cf.fwd
		}
	}
	return nil
}
