package config

import "slices"

// HasChanged reports whether b differs from a in any setting the running
// proxy depends on.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if !slices.Equal(a.Servers, b.Servers) {
		return true
	}
	if a.TimeoutSeconds != b.TimeoutSeconds ||
		a.KeepAlive != b.KeepAlive ||
		a.KeepAliveSeconds != b.KeepAliveSeconds ||
		a.LogLevel != b.LogLevel {
		return true
	}
	if a.Interception != b.Interception ||
		a.Statistics != b.Statistics ||
		a.Metrics != b.Metrics {
		return true
	}
	if !classifiersMapEqual(a.Classifiers, b.Classifiers) {
		return true
	}
	return !forwardsSliceEqual(a.Forwards, b.Forwards)
}

func classifierListEqual(a, b []Classifier) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !classifierEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func classifierEqual(a, b Classifier) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *ClassifierPort:
		return ta.Port == b.(*ClassifierPort).Port
	case *ClassifierDomains:
		tb := b.(*ClassifierDomains)
		return ta.FilePath == tb.FilePath && slices.Equal(ta.Domains, tb.Domains)
	case *ClassifierAnd:
		return classifierListEqual(ta.Classifiers, b.(*ClassifierAnd).Classifiers)
	case *ClassifierOr:
		return classifierListEqual(ta.Classifiers, b.(*ClassifierOr).Classifiers)
	case *ClassifierNot:
		return classifierEqual(ta.Classifier, b.(*ClassifierNot).Classifier)
	case *ClassifierDomain:
		tb := b.(*ClassifierDomain)
		return ta.Op == tb.Op && ta.Domain == tb.Domain
	case *ClassifierRef:
		return ta.Id == b.(*ClassifierRef).Id
	case *ClassifierTrue, *ClassifierFalse:
		return true
	default:
		return false
	}
}

func classifiersMapEqual(a, b map[string]Classifier) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !classifierEqual(va, vb) {
			return false
		}
	}
	return true
}

func forwardsSliceEqual(a, b []Forward) bool {
	return slices.EqualFunc(a, b, forwardEqual)
}

func forwardEqual(a, b Forward) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *ForwardDefaultNetwork:
		tb := b.(*ForwardDefaultNetwork)
		return ta.ForceIPv4 == tb.ForceIPv4 && classifierEqual(ta.ClassifierData, tb.ClassifierData)
	case *ForwardSocks5:
		tb := b.(*ForwardSocks5)
		return ta.Address == tb.Address &&
			ta.ForceIPv4 == tb.ForceIPv4 &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password) &&
			classifierEqual(ta.ClassifierData, tb.ClassifierData)
	case *ForwardProxy:
		tb := b.(*ForwardProxy)
		return ta.Address == tb.Address &&
			ta.ForceIPv4 == tb.ForceIPv4 &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password) &&
			classifierEqual(ta.ClassifierData, tb.ClassifierData)
	default:
		return false
	}
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
