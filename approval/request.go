package approval

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/zhubert/plural-appserver/appserver"
)

// ParseRequest builds a Request from a server approval request. It never
// fails; fields it cannot read are left empty, which resolves by mode.
func ParseRequest(method string, params json.RawMessage) Request {
	req := Request{Method: method}
	switch method {
	case appserver.RequestCommandApproval:
		req.Kind = KindCommandExecution
	case appserver.RequestFileChangeApproval:
		req.Kind = KindFileChange
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return req
	}

	req.ThreadID = stringField(fields["threadId"])
	req.TurnID = stringField(fields["turnId"])
	req.ItemID = stringField(fields["itemId"])
	req.Cwd = stringField(fields["cwd"])
	req.Reason = stringField(fields["reason"])
	req.Command = commandField(fields["command"])

	if p := stringField(fields["path"]); p != "" {
		req.Paths = append(req.Paths, p)
	}
	var list []string
	if json.Unmarshal(fields["paths"], &list) == nil {
		req.Paths = append(req.Paths, list...)
	}
	req.Paths = append(req.Paths, changePaths(fields["changes"])...)
	req.Paths = ComposePatterns(req.Paths)
	return req
}

func stringField(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// commandField accepts a shell string or an argv array.
func commandField(raw json.RawMessage) string {
	if s := stringField(raw); s != "" {
		return strings.TrimSpace(s)
	}
	var argv []string
	if json.Unmarshal(raw, &argv) == nil {
		return strings.TrimSpace(strings.Join(argv, " "))
	}
	return ""
}

// changePaths reads either [{"path": ...}] or {"<path>": {...}}.
func changePaths(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var list []struct {
		Path string `json:"path"`
	}
	if json.Unmarshal(raw, &list) == nil {
		out := make([]string, 0, len(list))
		for _, c := range list {
			if c.Path != "" {
				out = append(out, c.Path)
			}
		}
		return out
	}

	var byPath map[string]json.RawMessage
	if json.Unmarshal(raw, &byPath) == nil {
		out := make([]string, 0, len(byPath))
		for p := range byPath {
			out = append(out, p)
		}
		sort.Strings(out)
		return out
	}
	return nil
}
