// Copyright 2026 Autoflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adapter

import (
	"context"
	"reflect"
	"testing"
)

func TestCatalog(t *testing.T) {
	caps := []Capability{
		{Service: "slack", Action: "notify", Keywords: []string{"notify"}},
		{Service: "gmail", Action: "send_email", Keywords: []string{"send"}},
		{Service: "gmail", Action: "search_emails", Keywords: []string{"email"}},
		{Service: "asana", Action: "create_task", Keywords: []string{"task"}},
	}

	t.Run("deterministic order regardless of input order", func(t *testing.T) {
		reversed := make([]Capability, len(caps))
		for i, c := range caps {
			reversed[len(caps)-1-i] = c
		}

		a := NewCatalog(caps).Capabilities()
		b := NewCatalog(reversed).Capabilities()
		if !reflect.DeepEqual(a, b) {
			t.Errorf("catalog order depends on input order:\n%v\n%v", a, b)
		}
		if a[0].Ref() != "asana.create_task" {
			t.Errorf("first capability = %s, want asana.create_task", a[0].Ref())
		}
	})

	t.Run("duplicates keep the first occurrence", func(t *testing.T) {
		withDup := append([]Capability{}, caps...)
		withDup = append(withDup, Capability{Service: "slack", Action: "notify", Description: "duplicate"})

		catalog := NewCatalog(withDup)
		if catalog.Len() != len(caps) {
			t.Errorf("Len() = %d, want %d", catalog.Len(), len(caps))
		}
		cap, ok := catalog.Lookup("slack", "notify")
		if !ok || cap.Description == "duplicate" {
			t.Error("duplicate should not replace the first occurrence")
		}
	})

	t.Run("lookup", func(t *testing.T) {
		catalog := NewCatalog(caps)
		cap, ok := catalog.Lookup("gmail", "search_emails")
		if !ok || cap.Keywords[0] != "email" {
			t.Errorf("Lookup = %v, %v", cap, ok)
		}
		if _, ok := catalog.Lookup("gmail", "missing"); ok {
			t.Error("Lookup should miss on unknown action")
		}
	})

	t.Run("for service", func(t *testing.T) {
		catalog := NewCatalog(caps)
		gmail := catalog.ForService("gmail")
		if len(gmail) != 2 {
			t.Fatalf("ForService(gmail) = %d capabilities, want 2", len(gmail))
		}
		if gmail[0].Action != "search_emails" || gmail[1].Action != "send_email" {
			t.Errorf("ForService order = %s, %s", gmail[0].Action, gmail[1].Action)
		}
	})

	t.Run("services sorted and distinct", func(t *testing.T) {
		catalog := NewCatalog(caps)
		want := []string{"asana", "gmail", "slack"}
		if got := catalog.Services(); !reflect.DeepEqual(got, want) {
			t.Errorf("Services() = %v, want %v", got, want)
		}
	})

	t.Run("capabilities returns a copy", func(t *testing.T) {
		catalog := NewCatalog(caps)
		out := catalog.Capabilities()
		out[0].Service = "mutated"
		if catalog.Capabilities()[0].Service == "mutated" {
			t.Error("Capabilities must not expose internal state")
		}
	})
}

func TestCapabilityMatchesKeyword(t *testing.T) {
	cap := Capability{Service: "slack", Action: "notify", Keywords: []string{"notify", "Alert"}}

	if !cap.MatchesKeyword("notify") {
		t.Error("exact keyword should match")
	}
	if !cap.MatchesKeyword("alert") {
		t.Error("keyword match should be case-insensitive")
	}
	if cap.MatchesKeyword("message") {
		t.Error("unlisted keyword should not match")
	}
}

func TestFunc(t *testing.T) {
	f := Func(func(ctx context.Context, action string, params map[string]any) (Result, error) {
		return Result{"action": action}, nil
	})

	result, err := f.Invoke(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result["action"] != "ping" {
		t.Errorf("result = %v", result)
	}
}
