package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ChuLiYu/buildd/pkg/types"
)

// Classifier maps a failed build's exit status and log to a category.
type Classifier interface {
	Classify(exitStatus int, log []byte) types.Classification
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(exitStatus int, log []byte) types.Classification

func (f ClassifierFunc) Classify(exitStatus int, log []byte) types.Classification {
	return f(exitStatus, log)
}

// PatternClassifier 以正規表示式偵測缺少的建置依賴
//
// 每個 pattern 的第一個 capture group 是依賴清單，以逗號分隔。
// 沒有 pattern 符合時結果為 Failed。
type PatternClassifier struct {
	depWait []*regexp.Regexp
}

// NewPatternClassifier compiles the dep-wait patterns.
func NewPatternClassifier(depWaitPatterns []string) (*PatternClassifier, error) {
	c := &PatternClassifier{}
	for _, p := range depWaitPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid dep-wait pattern %q: %w", p, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("dep-wait pattern %q has no capture group", p)
		}
		c.depWait = append(c.depWait, re)
	}
	return c, nil
}

func (c *PatternClassifier) Classify(exitStatus int, log []byte) types.Classification {
	if exitStatus == 0 {
		return types.Classification{}
	}
	for _, re := range c.depWait {
		m := re.FindSubmatch(log)
		if m == nil {
			continue
		}
		if deps := SplitDeps(string(m[1])); len(deps) > 0 {
			return types.Classification{Category: types.CategoryDepWait, Deps: deps}
		}
	}
	return types.Classification{Category: types.CategoryFailed}
}

// SplitDeps splits a comma separated dependency list.
func SplitDeps(s string) []string {
	var deps []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}
	return deps
}
