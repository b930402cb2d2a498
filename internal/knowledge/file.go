package knowledge

import (
	"github.com/spf13/viper"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
)

type fileFact struct {
	Scope   string `mapstructure:"scope"`
	Key     string `mapstructure:"key"`
	Content string `mapstructure:"content"`
	Source  string `mapstructure:"source"`
}

// LoadFile reads a static knowledge file. Any format viper understands
// works; the document holds a flat "facts" list where each fact names its
// org scope:
//
//	facts:
//	  - scope: acme
//	    key: policy:leave
//	    content: Annual leave is 25 days
//	    source: handbook
func LoadFile(path string) (Static, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Static{}, memerr.Errorf(memerr.CodeConfigReadFailure, "reading knowledge file %s: %w", path, err)
	}

	var doc struct {
		Facts []fileFact `mapstructure:"facts"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return Static{}, memerr.Errorf(memerr.CodeConfigInvalid, "unmarshalling knowledge file %s: %w", path, err)
	}

	out := Static{Facts: map[string][]Fact{}}
	for i, f := range doc.Facts {
		if f.Scope == "" || f.Content == "" {
			return Static{}, memerr.Errorf(memerr.CodeConfigInvalid, "knowledge file %s: facts[%d] needs scope and content", path, i)
		}
		out.Facts[f.Scope] = append(out.Facts[f.Scope], Fact{Key: f.Key, Content: f.Content, Source: f.Source})
	}
	return out, nil
}
