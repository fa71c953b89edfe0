package genai

import "fmt"

// languageNames maps ISO language codes to the human-readable names used
// in response instructions. Adding a language is a one-line change here.
var languageNames = map[string]string{
	"hi": "Hindi",
	"ta": "Tamil",
	"te": "Telugu",
	"bn": "Bengali",
	"mr": "Marathi",
	"gu": "Gujarati",
	"pa": "Punjabi",
	"kn": "Kannada",
	"ml": "Malayalam",
	"en": "English",
}

// styleOverrides replaces the generic instruction for languages that need
// a distinct register. Hindi voice replies read more naturally in casual
// Hinglish than in formal Devanagari prose.
var styleOverrides = map[string]string{
	"hi": "Respond in Casual Hinglish (Hindi sentences mixed with English words, written in Roman script).",
}

// LanguageName returns the human-readable name for a language code.
func LanguageName(code string) (string, bool) {
	name, ok := languageNames[code]
	return name, ok
}

// ResponseInstruction returns the response-style instruction for a
// language code. Unknown codes get a neutral fallback.
func ResponseInstruction(code string) string {
	if inst, ok := styleOverrides[code]; ok {
		return inst
	}
	if name, ok := languageNames[code]; ok {
		return fmt.Sprintf("Respond in %s language.", name)
	}
	return "Respond in the user's language."
}
