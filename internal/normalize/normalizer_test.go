package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	response   string
	err        error
	lastSystem string
	lastPrompt string
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	f.lastPrompt = prompt
	return f.response, f.err
}

func (f *fakeClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.lastSystem = systemPrompt
	f.lastPrompt = userPrompt
	return f.response, f.err
}

func TestParseModelOutputFencedBlock(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"title\": \"Hello\"}\n```\nHope that helps!"
	out := parseModelOutput(raw)

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "Hello", m["title"])
}

func TestParseModelOutputBareObject(t *testing.T) {
	raw := `Sure. {"count": 3, "note": "braces {inside} strings"} done.`
	out := parseModelOutput(raw)

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, float64(3), m["count"])
	require.Equal(t, "braces {inside} strings", m["note"])
}

func TestParseModelOutputArray(t *testing.T) {
	raw := `The items are: [1, 2, 3]`
	out := parseModelOutput(raw)

	arr, ok := out.([]interface{})
	require.True(t, ok)
	require.Len(t, arr, 3)
}

func TestParseModelOutputFencedBlockWins(t *testing.T) {
	// A fenced block takes priority over earlier loose braces.
	raw := "context {not json here\n```json\n{\"picked\": true}\n```"
	out := parseModelOutput(raw)

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, true, m["picked"])
}

func TestParseModelOutputUnparsable(t *testing.T) {
	raw := "I could not produce structured output, sorry."
	out := parseModelOutput(raw)

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	require.NotEmpty(t, m["error"])
	require.Equal(t, raw, m["content"])
}

func TestParseModelOutputInvalidJSONDegrades(t *testing.T) {
	raw := `{"broken": }`
	out := parseModelOutput(raw)

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, raw, m["content"])
}

func TestProcessDataDefaults(t *testing.T) {
	client := &fakeClient{response: `{"ok": true}`}
	n := New(client)

	out, err := n.ProcessData(context.Background(), map[string]string{"k": "v"}, "", "", nil)
	require.NoError(t, err)
	require.Contains(t, client.lastPrompt, defaultAITask)
	require.Contains(t, client.lastPrompt, "json format")
	require.NotContains(t, client.lastPrompt, "schema")

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, true, m["ok"])
}

func TestProcessDataEmbedsSchema(t *testing.T) {
	client := &fakeClient{response: `{}`}
	n := New(client)

	schema := json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}}}`)
	_, err := n.ProcessData(context.Background(), map[string]string{}, "extract names", "json", schema)
	require.NoError(t, err)
	require.Contains(t, client.lastPrompt, "extract names")
	require.Contains(t, client.lastPrompt, `"type":"object"`)
}

func TestProcessDataTransportError(t *testing.T) {
	client := &fakeClient{err: fmt.Errorf("connection refused")}
	n := New(client)

	_, err := n.ProcessData(context.Background(), map[string]string{}, "", "", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}

func TestGenerateAutomationInstructionsParsesSteps(t *testing.T) {
	client := &fakeClient{response: "Here you go:\n```json\n" +
		`{"steps":[{"action":"navigate","value":"https://app.example"},{"action":"click","selector":"#login"}],"expectedOutput":"a session"}` +
		"\n```"}
	n := New(client)

	out, err := n.GenerateAutomationInstructions(context.Background(), "log in to the app")
	require.NoError(t, err)

	// The fenced block is parsed, not echoed back as a string.
	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	steps, ok := m["steps"].([]interface{})
	require.True(t, ok)
	require.Len(t, steps, 2)
	require.Contains(t, client.lastPrompt, "log in to the app")
	require.Contains(t, client.lastPrompt, `"action"`)
}

func TestGenerateAutomationInstructionsDegrades(t *testing.T) {
	client := &fakeClient{response: "I cannot plan that."}
	n := New(client)

	out, err := n.GenerateAutomationInstructions(context.Background(), "do something")
	require.NoError(t, err)

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	require.NotEmpty(t, m["error"])
	require.Equal(t, "I cannot plan that.", m["content"])
}

func TestAnalyzeWebpageStripsScripts(t *testing.T) {
	client := &fakeClient{response: `{"regions":[{"name":"heading","selector":"h1","type":"text"}]}`}
	n := New(client)

	page := `<html><head><style>body{color:red}</style></head>
		<body><script>var secret = "nope";</script><h1>Sign in</h1><p>Welcome back</p></body></html>`

	out, err := n.AnalyzeWebpage(context.Background(), page, "https://app.example/login")
	require.NoError(t, err)

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	regions, ok := m["regions"].([]interface{})
	require.True(t, ok)
	require.Len(t, regions, 1)
	require.Contains(t, client.lastPrompt, "https://app.example/login")
	require.Contains(t, client.lastPrompt, "Sign in")
	require.Contains(t, client.lastPrompt, "Welcome back")
	require.NotContains(t, client.lastPrompt, "var secret")
	require.NotContains(t, client.lastPrompt, "color:red")
}

func TestExtractTextTruncation(t *testing.T) {
	long := make([]byte, maxPageContent*2)
	for i := range long {
		long[i] = 'a'
	}
	client := &fakeClient{response: `{"regions":[]}`}
	n := New(client)

	_, err := n.AnalyzeWebpage(context.Background(), "<p>"+string(long)+"</p>", "https://big.example")
	require.NoError(t, err)
	require.LessOrEqual(t, len(client.lastPrompt), maxPageContent+500)
}
