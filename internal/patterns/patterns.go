// Package patterns holds compiled regex groups for the rule-based fact
// extractor, one set per supported natural language. Each group is compiled
// exactly once via sync.OnceValue, mirroring the teacher's precompiled
// pattern-library convention.
package patterns

import (
	"regexp"
	"sync"
)

// Group is one language's compiled pattern sets plus its closed lexica.
type Group struct {
	Location            []*regexp.Regexp
	Like                []*regexp.Regexp
	Dislike             []*regexp.Regexp
	Language            []*regexp.Regexp
	Profession          []*regexp.Regexp
	ProgrammingLanguage  []*regexp.Regexp
	Age                 []*regexp.Regexp
	Cities              map[string]struct{}
	ProgrammingLanguages map[string]struct{}
	SpokenLanguages     map[string]struct{}
}

func compileAll(pats []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(pats))
	for _, p := range pats {
		out = append(out, regexp.MustCompile("(?i)"+p))
	}
	return out
}

func toSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

var english = sync.OnceValue(func() Group {
	return Group{
		Location: compileAll([]string{
			`I'm from (\w+)`, `I am from (\w+)`, `I live in (\w+)`,
			`living in (\w+)`, `based in (\w+)`, `my city is (\w+)`,
		}),
		Like: compileAll([]string{
			`I love (.+?)(?:\.|,|$)`, `I like (.+?)(?:\.|,|$)`, `I enjoy (.+?)(?:\.|,|$)`,
			`I'm a fan of (.+?)(?:\.|,|$)`, `my favorite (.+?)(?:\.|,|$)`, `favourite (.+?)(?:\.|,|$)`,
		}),
		Dislike: compileAll([]string{
			`I hate (.+?)(?:\.|,|$)`, `I don't like (.+?)(?:\.|,|$)`,
			`I dislike (.+?)(?:\.|,|$)`, `can't stand (.+?)(?:\.|,|$)`,
		}),
		Language: compileAll([]string{
			`I speak (.+?)(?:\.|,|$)`, `I know (.+?)(?:\.|,|$)`,
			`fluent in (.+?)(?:\.|,|$)`, `learning (.+?)(?:\.|,|$)`,
		}),
		Profession: compileAll([]string{
			`I work as (.+?)(?:\.|,|$)`, `I'm a (.+?)(?:\.|,|$)`, `I am a (.+?)(?:\.|,|$)`,
			`my job is (.+?)(?:\.|,|$)`, `profession is (.+?)(?:\.|,|$)`,
		}),
		ProgrammingLanguage: compileAll([]string{
			`I code in (.+?)(?:\.|,|$)`, `I program in (.+?)(?:\.|,|$)`,
			`I write (.+?)(?:\.|,|$)`, `using (.+?)(?:\.|,|$)`,
		}),
		Age: compileAll([]string{
			`I'm (\d+) years? old`, `I am (\d+) years? old`, `age is (\d+)`,
		}),
		ProgrammingLanguages: toSet(
			"python", "javascript", "js", "typescript", "ts",
			"java", "c++", "cpp", "c#", "csharp", "go", "golang",
			"rust", "php", "ruby", "kotlin", "swift", "scala",
			"perl", "r", "matlab", "julia", "dart", "elixir",
		),
		SpokenLanguages: toSet(
			"ukrainian", "english", "russian", "polish", "german",
			"french", "spanish", "italian", "chinese", "japanese",
			"korean", "arabic", "portuguese", "dutch", "turkish",
		),
	}
})

var ukrainian = sync.OnceValue(func() Group {
	return Group{
		Location: compileAll([]string{
			`я з ([\p{L}\p{N}_]+)`, `живу в ([\p{L}\p{N}_]+)`, `я в ([\p{L}\p{N}_]+)`, `я із ([\p{L}\p{N}_]+)`,
			`з міста ([\p{L}\p{N}_]+)`, `мій город ([\p{L}\p{N}_]+)`,
		}),
		Like: compileAll([]string{
			`люблю (.+?)(?:\.|,|$)`, `обожнюю (.+?)(?:\.|,|$)`, `подобається (.+?)(?:\.|,|$)`,
			`дуже люблю (.+?)(?:\.|,|$)`, `улюблен(?:ий|а|е) (.+?)(?:\.|,|$)`,
		}),
		Dislike: compileAll([]string{
			`ненавиджу (.+?)(?:\.|,|$)`, `не люблю (.+?)(?:\.|,|$)`,
			`не подобається (.+?)(?:\.|,|$)`, `терпіти не можу (.+?)(?:\.|,|$)`,
		}),
		Language: compileAll([]string{
			`розмовляю (.+?)(?:\.|,|$)`, `говорю (.+?)(?:\.|,|$)`,
			`володію (.+?)(?:\.|,|$)`, `знаю (.+?)(?:\.|,|$)`,
		}),
		Profession: compileAll([]string{
			`працюю (.+?)(?:\.|,|$)`, `я (.+?) за професією`,
			`моя робота - (.+?)(?:\.|,|$)`, `роблю (.+?)(?:\.|,|$)`,
		}),
		ProgrammingLanguage: compileAll([]string{
			`пишу на (.+?)(?:\.|,|$)`, `кодю на (.+?)(?:\.|,|$)`, `програмую на (.+?)(?:\.|,|$)`,
		}),
		Age: nil, // the original defines no Ukrainian-specific age pattern; age is digit-based regardless of language
		Cities: toSet(
			"київ", "kyiv", "киев", "львів", "lviv", "львов", "одеса", "odesa", "одесса",
			"дніпро", "dnipro", "днепр", "харків", "kharkiv", "харьков", "запоріжжя",
			"zaporizhzhia", "запорожье", "вінниця", "vinnytsia", "черкаси", "cherkasy",
			"полтава", "poltava", "херсон", "kherson", "тернопіль", "ternopil",
			"івано-франківськ", "ivano-frankivsk", "ужгород", "uzhhorod", "чернівці",
			"chernivtsi", "суми", "sumy", "луцьк", "lutsk",
		),
		ProgrammingLanguages: toSet(
			"python", "пайтон", "пітон", "javascript", "js", "джаваскрипт", "typescript", "ts",
			"java", "джава", "c++", "cpp", "сі++", "c#", "csharp", "сішарп", "go", "golang", "го",
			"rust", "раст", "php", "пхп", "ruby", "рубі", "kotlin", "котлін", "swift", "свіфт",
		),
		SpokenLanguages: toSet(
			"українська", "ukrainian", "українську", "english", "англійська", "англійську",
			"російська", "russian", "російську", "польська", "polish", "польську",
			"німецька", "german", "німецьку", "французька", "french", "французьку",
			"іспанська", "spanish", "іспанську",
		),
	}
})

// English returns the compiled English pattern group (compiled once, cached).
func English() Group { return english() }

// Ukrainian returns the compiled Ukrainian pattern group (compiled once, cached).
func Ukrainian() Group { return ukrainian() }

// All returns every supported language group, in a stable order.
func All() []Group { return []Group{English(), Ukrainian()} }
