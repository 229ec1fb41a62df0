package config

// ClassifierType defines the type of classifier used to match endpoints.
type ClassifierType int

const (
	// ClassifierTypeAnd represents a logical AND operation across multiple classifiers.
	ClassifierTypeAnd ClassifierType = iota
	// ClassifierTypeOr represents a logical OR operation across multiple classifiers.
	ClassifierTypeOr
	// ClassifierTypeNot represents a logical NOT operation on a classifier.
	ClassifierTypeNot
	// ClassifierTypeDomain matches against a single domain name.
	ClassifierTypeDomain
	// ClassifierTypeRef references another classifier by name.
	ClassifierTypeRef
	// ClassifierTypePort matches against port numbers.
	ClassifierTypePort
	// ClassifierTypeTrue always returns true.
	ClassifierTypeTrue
	// ClassifierTypeFalse always returns false.
	ClassifierTypeFalse
	// ClassifierTypeDomains matches against a list of domains (inline or from a file).
	ClassifierTypeDomains
)

// ClassifierOp defines the operation type for string comparisons.
type ClassifierOp int

const (
	// ClassifierOpEqual checks for equality.
	ClassifierOpEqual ClassifierOp = iota
	// ClassifierOpNotEqual checks for inequality.
	ClassifierOpNotEqual
	// ClassifierOpContains checks if string contains substring.
	ClassifierOpContains
	// ClassifierOpNotContains checks if string does not contain substring.
	ClassifierOpNotContains
	// ClassifierOpIs matches the domain itself or any of its subdomains.
	ClassifierOpIs
)

// Classifier defines the interface for all classifier configurations.
type Classifier interface {
	Type() ClassifierType
}

// ClassifierAnd represents a logical AND operation across multiple classifiers.
type ClassifierAnd struct {
	Classifiers []Classifier
}

func (c *ClassifierAnd) Type() ClassifierType { return ClassifierTypeAnd }

// ClassifierOr represents a logical OR operation across multiple classifiers.
type ClassifierOr struct {
	Classifiers []Classifier
}

func (c *ClassifierOr) Type() ClassifierType { return ClassifierTypeOr }

// ClassifierNot negates the result of another classifier.
type ClassifierNot struct {
	Classifier Classifier
}

func (c *ClassifierNot) Type() ClassifierType { return ClassifierTypeNot }

// ClassifierDomain matches the endpoint host against one domain name.
type ClassifierDomain struct {
	Op     ClassifierOp
	Domain string
}

func (c *ClassifierDomain) Type() ClassifierType { return ClassifierTypeDomain }

// ClassifierRef references another classifier by name.
type ClassifierRef struct {
	Id string
}

func (c *ClassifierRef) Type() ClassifierType { return ClassifierTypeRef }

// ClassifierPort matches the endpoint port.
type ClassifierPort struct {
	Port int
}

func (c *ClassifierPort) Type() ClassifierType { return ClassifierTypePort }

// ClassifierDomains matches a host equal to, or a subdomain of, any listed
// domain. Domains from FilePath (one per line, '#' comments) are merged with
// the inline list when the classifier is compiled.
type ClassifierDomains struct {
	Domains  []string
	FilePath string
}

func (c *ClassifierDomains) Type() ClassifierType { return ClassifierTypeDomains }

// ClassifierTrue always returns true for any traffic.
type ClassifierTrue struct{}

func (c *ClassifierTrue) Type() ClassifierType { return ClassifierTypeTrue }

// ClassifierFalse always returns false for any traffic.
type ClassifierFalse struct{}

func (c *ClassifierFalse) Type() ClassifierType { return ClassifierTypeFalse }
