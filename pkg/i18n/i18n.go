// Package i18n resolves the language cookie to the confirmation phrase table.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
)

const (
	LangZH = "zh"
	LangEN = "en"
)

// StatusIncorrect is the prompt status after a wrong answer.
const StatusIncorrect = "incorrect"

type Table struct {
	Lang        string
	ConfirmWord string
	Prompt      string
	Incorrect   string
}

var tables = map[string]Table{
	LangZH: {Lang: LangZH, ConfirmWord: "确认删除", Prompt: "请输入确认词以删除", Incorrect: "确认词错误"},
	LangEN: {Lang: LangEN, ConfirmWord: "delete", Prompt: "type the confirmation word to delete", Incorrect: "incorrect confirmation word"},
}

type Catalog struct {
	def     string
	matcher language.Matcher
	tags    []string
}

// NewCatalog builds a catalog whose fallback is def; unknown defaults become zh.
func NewCatalog(def string) *Catalog {
	def = strings.ToLower(strings.TrimSpace(def))
	if _, ok := tables[def]; !ok {
		def = LangZH
	}
	order := []string{def}
	for _, l := range []string{LangZH, LangEN} {
		if l != def {
			order = append(order, l)
		}
	}
	supported := make([]language.Tag, 0, len(order))
	for _, l := range order {
		supported = append(supported, language.Make(l))
	}
	return &Catalog{def: def, matcher: language.NewMatcher(supported), tags: order}
}
func (c *Catalog) Default() string { return c.def }

// Resolve matches a cookie value or Accept-Language list against the supported set.
func (c *Catalog) Resolve(prefs ...string) string {
	var cleaned []string
	for _, p := range prefs {
		if strings.TrimSpace(p) != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return c.def
	}
	_, idx := language.MatchStrings(c.matcher, cleaned...)
	if idx < 0 || idx >= len(c.tags) {
		return c.def
	}
	return c.tags[idx]
}
func (c *Catalog) Table(lang string) Table {
	if t, ok := tables[lang]; ok {
		return t
	}
	return tables[c.def]
}

// Message is the line shown above the confirmation form after status.
func (t Table) Message(status string) string {
	if status == StatusIncorrect {
		return t.Incorrect
	}
	return t.Prompt
}
func (c *Catalog) ConfirmWord(lang string) string {
	return c.Table(lang).ConfirmWord
}

// NormalizeCookie keeps zh and sends everything else to en.
func NormalizeCookie(lang string) string {
	if strings.EqualFold(strings.TrimSpace(lang), LangZH) {
		return LangZH
	}
	return LangEN
}
