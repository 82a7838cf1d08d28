package agent

import (
	"reflect"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"single", "Hello world.", []string{"Hello world."}},
		{"two", "First one. Second one!", []string{"First one.", "Second one!"}},
		{"question", "Is it done? Yes.", []string{"Is it done?", "Yes."}},
		{"no terminator", "no punctuation here", []string{"no punctuation here"}},
		{"decimal not split", "Pi is 3.14 roughly.", []string{"Pi is 3.14 roughly."}},
		{"cjk", "你好。再见！", []string{"你好。", "再见！"}},
		{"trailing text", "Done. And then", []string{"Done.", "And then"}},
		{"newline separator", "One.\nTwo.", []string{"One.", "Two."}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitSentences(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("SplitSentences(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
