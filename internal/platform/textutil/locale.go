package textutil

import (
	"strings"

	"golang.org/x/text/language"
)

// LocaleAuto lets the payment page pick a language from the browser.
const LocaleAuto = "auto"

var checkoutLocales = map[string]struct{}{
	"bg": {}, "cs": {}, "da": {}, "de": {}, "el": {}, "en": {}, "en-GB": {}, "es": {}, "es-419": {},
	"et": {}, "fi": {}, "fil": {}, "fr": {}, "fr-CA": {}, "hr": {}, "hu": {}, "id": {}, "it": {},
	"ja": {}, "ko": {}, "lt": {}, "lv": {}, "ms": {}, "mt": {}, "nb": {}, "nl": {}, "pl": {},
	"pt": {}, "pt-BR": {}, "ro": {}, "ru": {}, "sk": {}, "sl": {}, "sv": {}, "th": {}, "tr": {},
	"vi": {}, "zh": {}, "zh-HK": {}, "zh-TW": {},
}

// CheckoutLocale maps a client language tag onto a locale the hosted checkout page supports,
// trying the full tag, then language-region, then the base language, and finally LocaleAuto.
func CheckoutLocale(tag string) string {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" || strings.EqualFold(tag, LocaleAuto) {
		return LocaleAuto
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return LocaleAuto
	}
	if _, ok := checkoutLocales[parsed.String()]; ok {
		return parsed.String()
	}
	base, _ := parsed.Base()
	if region, conf := parsed.Region(); conf == language.Exact {
		candidate := base.String() + "-" + region.String()
		if _, ok := checkoutLocales[candidate]; ok {
			return candidate
		}
	}
	if _, ok := checkoutLocales[base.String()]; ok {
		return base.String()
	}
	return LocaleAuto
}
