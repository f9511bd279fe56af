package htmlinject

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const script = "window.__bridge = 1;"

func TestInject_ScriptLeadsHead(t *testing.T) {
	page := `<!DOCTYPE html><html><head><meta charset="utf-8"><title>app</title></head><body><p>hi</p></body></html>`

	out := string(Inject([]byte(page), []byte(script)))

	scriptAt := strings.Index(out, "<script>"+script+"</script>")
	require.GreaterOrEqual(t, scriptAt, 0, "script element missing from output")
	assert.Less(t, strings.Index(out, "<head>"), scriptAt)
	assert.Greater(t, strings.Index(out, "<meta"), scriptAt, "script must come before existing head content")
	assert.Contains(t, out, "<p>hi</p>")
}

func TestInject_SynthesizesMissingStructure(t *testing.T) {
	// The parser builds html, head and body around whatever it is given,
	// so even a bare fragment ends up with the script in a head element.
	out := string(Inject([]byte(`<p>fragment</p>`), []byte(script)))

	assert.Contains(t, out, "<script>"+script+"</script>")
	assert.Contains(t, out, "<p>fragment</p>")
	assert.Less(t, strings.Index(out, script), strings.Index(out, "<p>fragment</p>"))
}

func TestInject_ScriptSourceIsNotEscaped(t *testing.T) {
	out := string(Inject([]byte(`<html><head></head><body></body></html>`), []byte(`if (a < b && c > d) {}`)))

	assert.Contains(t, out, `if (a < b && c > d) {}`, "script source must stay raw")
}

func TestInject_EmptyScriptIsPassthrough(t *testing.T) {
	page := []byte(`<html><head></head><body>x</body></html>`)

	out := Inject(page, nil)

	assert.Equal(t, page, out)
}

func TestInject_ToleratesHostileInput(t *testing.T) {
	for name, page := range map[string]string{
		"empty":        "",
		"not html":     "just some text",
		"broken nest":  "<div><span></div></span>",
		"binary-ish":   "\x00\x01\x02",
		"unclosed tag": "<html><head><title>x",
	} {
		t.Run(name, func(t *testing.T) {
			out := Inject([]byte(page), []byte(script))
			assert.NotNil(t, out)
		})
	}
}
