package toolcall_test

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/agentoven/agentoven/control-plane/internal/delegate/toolcall"
)

func TestParseTaggedXML(t *testing.T) {
	p := toolcall.NewParser()
	resp := `Let me check that.
<fs.read_file><path>src/main.go</path></fs.read_file>
Done.`
	calls := p.Parse(resp)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1: %+v", len(calls), calls)
	}
	if calls[0].Name != "fs.read_file" {
		t.Errorf("Name = %q, want %q", calls[0].Name, "fs.read_file")
	}
	if calls[0].Args["path"] != "src/main.go" {
		t.Errorf("Args[path] = %v, want %q", calls[0].Args["path"], "src/main.go")
	}
}

func TestParseTaggedXMLTypeCoercion(t *testing.T) {
	p := toolcall.NewParser()
	resp := `<builtin.patch_file><count>3</count><ok>true</ok><missing>null</missing><label>plain text</label></builtin.patch_file>`
	calls := p.Parse(resp)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	args := calls[0].Args
	if v, ok := args["count"].(float64); !ok || v != 3 {
		t.Errorf("count = %#v, want float64(3)", args["count"])
	}
	if v, ok := args["ok"].(bool); !ok || v != true {
		t.Errorf("ok = %#v, want true", args["ok"])
	}
	if args["missing"] != nil {
		t.Errorf("missing = %#v, want nil", args["missing"])
	}
	if args["label"] != "plain text" {
		t.Errorf("label = %#v, want %q", args["label"], "plain text")
	}
}

func TestParseUntaggedXMLIsIgnored(t *testing.T) {
	p := toolcall.NewParser()
	// No dot in the outer tag name: must not be treated as a tool call.
	resp := `<note><to>bob</to></note>`
	calls := p.Parse(resp)
	if len(calls) != 0 {
		t.Fatalf("got %d calls for undotted tag, want 0: %+v", len(calls), calls)
	}
}

func TestParseJSONObjectForm(t *testing.T) {
	p := toolcall.NewParser()
	resp := `I'll look that up.
{"name": "builtin.list_files", "arguments": {"path": "src"}}
`
	calls := p.Parse(resp)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1: %+v", len(calls), calls)
	}
	if calls[0].Name != "builtin.list_files" {
		t.Errorf("Name = %q", calls[0].Name)
	}
	if calls[0].Args["path"] != "src" {
		t.Errorf("Args[path] = %v", calls[0].Args["path"])
	}
}

func TestParseJSONToolCallsWrapper(t *testing.T) {
	p := toolcall.NewParser()
	resp := "```json\n" + `{"tool_calls":[{"name":"builtin.read_file","arguments":{"path":"a.txt"}}]}` + "\n```"
	calls := p.Parse(resp)
	if len(calls) != 1 || calls[0].Name != "builtin.read_file" {
		t.Fatalf("got %+v", calls)
	}
}

func TestParsePythonFence(t *testing.T) {
	p := toolcall.NewParser()
	resp := "```python\nprint('hi')\n```"
	calls := p.Parse(resp)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Name != "builtin.execute_python_code" {
		t.Errorf("Name = %q", calls[0].Name)
	}
	if calls[0].Args["code"] != "print('hi')\n" {
		t.Errorf("code = %q", calls[0].Args["code"])
	}
}

func TestParseEmptyResponseIsTerminal(t *testing.T) {
	p := toolcall.NewParser()
	if calls := p.Parse("Here is your final answer, no tools needed."); len(calls) != 0 {
		t.Fatalf("got %d calls, want 0 (terminal)", len(calls))
	}
}

func TestParseDedupesAcrossFormats(t *testing.T) {
	p := toolcall.NewParser()
	// Same call expressed twice in different formats should collapse to one.
	resp := `<builtin.list_files><path>src</path></builtin.list_files>
{"name":"builtin.list_files","arguments":{"path":"src"}}`
	calls := p.Parse(resp)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1 deduped call: %+v", len(calls), calls)
	}
}

// TestRoundTripAcrossWireFormats renders a canonical (tool, args) pair into the
// tagged-XML and JSON wire formats and checks that parsing it back yields the
// same (tool, args) modulo key ordering. The Python-fence form is not part of
// this round trip: it only ever yields builtin.execute_python_code.
func TestRoundTripAcrossWireFormats(t *testing.T) {
	cases := []struct {
		name string
		args map[string]any
	}{
		{"builtin.list_files", map[string]any{"path": "src"}},
		{"builtin.read_file", map[string]any{"path": "a/b.txt"}},
	}

	p := toolcall.NewParser()
	for _, c := range cases {
		xml := renderXML(c.name, c.args)
		jsonForm := renderJSON(c.name, c.args)

		for _, wire := range []string{xml, jsonForm} {
			calls := p.Parse(wire)
			if len(calls) != 1 {
				t.Fatalf("wire %q: got %d calls, want 1", wire, len(calls))
			}
			if calls[0].Name != c.name {
				t.Errorf("wire %q: Name = %q, want %q", wire, calls[0].Name, c.name)
			}
			if !reflect.DeepEqual(calls[0].Args, c.args) {
				t.Errorf("wire %q: Args = %#v, want %#v", wire, calls[0].Args, c.args)
			}
		}
	}
}

func renderXML(name string, args map[string]any) string {
	inner := ""
	for k, v := range args {
		inner += fmt.Sprintf("<%s>%v</%s>", k, v, k)
	}
	return fmt.Sprintf("<%s>%s</%s>", name, inner, name)
}

func renderJSON(name string, args map[string]any) string {
	pairs := ""
	i := 0
	for k, v := range args {
		if i > 0 {
			pairs += ","
		}
		pairs += fmt.Sprintf("%q:%q", k, fmt.Sprintf("%v", v))
		i++
	}
	return fmt.Sprintf(`{"name":%q,"arguments":{%s}}`, name, pairs)
}
