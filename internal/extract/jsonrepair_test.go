package extract

import (
	"testing"
)

func TestDecodeItemsCleanArray(t *testing.T) {
	raw := `[{"content":"prefers tea","category":"drink","importance":0.7,"keywords":["tea"]},
	         {"content":"works remotely","category":"work","importance":0.8,"keywords":[]}]`
	items, err := DecodeItems(raw)
	if err != nil {
		t.Fatalf("DecodeItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Content != "prefers tea" || float64(items[0].Importance) != 0.7 {
		t.Errorf("item 0 = %+v", items[0])
	}
	if len(items[0].Keywords) != 1 || items[0].Keywords[0] != "tea" {
		t.Errorf("keywords = %v", items[0].Keywords)
	}
}

func TestDecodeItemsFencedWithProse(t *testing.T) {
	raw := "Here are the extracted memories:\n```json\n[{\"content\":\"runs daily\"}]\n```\nLet me know if you need more."
	items, err := DecodeItems(raw)
	if err != nil {
		t.Fatalf("DecodeItems: %v", err)
	}
	if len(items) != 1 || items[0].Content != "runs daily" {
		t.Fatalf("items = %+v", items)
	}
}

func TestDecodeItemsSingleObject(t *testing.T) {
	items, err := DecodeItems(`{"content":"owns a boat","importance":0.6}`)
	if err != nil {
		t.Fatalf("DecodeItems: %v", err)
	}
	if len(items) != 1 || items[0].Content != "owns a boat" {
		t.Fatalf("items = %+v", items)
	}
}

func TestDecodeItemsRepairs(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"trailing comma", `[{"content":"plays chess",}]`, "plays chess"},
		{"unquoted keys", `[{content: "plays chess", importance: 0.5}]`, "plays chess"},
		{"single quotes", `[{'content': 'plays chess'}]`, "plays chess"},
		{"missing closers", `[{"content":"plays chess"`, "plays chess"},
		{"extra closers", `[{"content":"plays chess"}]]`, "plays chess"},
		{"prose around object", `Sure! {"content":"plays chess"} Anything else?`, "plays chess"},
	}
	for _, tc := range cases {
		items, err := DecodeItems(tc.raw)
		if err != nil {
			t.Errorf("%s: DecodeItems: %v", tc.name, err)
			continue
		}
		if len(items) != 1 || items[0].Content != tc.want {
			t.Errorf("%s: items = %+v", tc.name, items)
		}
	}
}

func TestDecodeItemsFlexibleFields(t *testing.T) {
	raw := `[{"content":"a","importance":"0.8","keywords":"tea, coffee"},
	         {"content":"b","importance":null,"keywords":["x", 3, "y"]}]`
	items, err := DecodeItems(raw)
	if err != nil {
		t.Fatalf("DecodeItems: %v", err)
	}
	if float64(items[0].Importance) != 0.8 {
		t.Errorf("quoted importance = %v", items[0].Importance)
	}
	if len(items[0].Keywords) != 2 || items[0].Keywords[1] != "coffee" {
		t.Errorf("comma keywords = %v", items[0].Keywords)
	}
	if float64(items[1].Importance) != 0 {
		t.Errorf("null importance = %v", items[1].Importance)
	}
	if len(items[1].Keywords) != 2 {
		t.Errorf("mixed keywords = %v", items[1].Keywords)
	}
}

func TestDecodeItemsRejectsProse(t *testing.T) {
	if _, err := DecodeItems("I'm sorry, I cannot extract anything from this conversation."); err == nil {
		t.Fatal("expected an error for bracket-free prose")
	}
}

func TestDecodeItemsEmptyArray(t *testing.T) {
	items, err := DecodeItems("[]")
	if err != nil {
		t.Fatalf("DecodeItems: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("items = %+v", items)
	}
}
