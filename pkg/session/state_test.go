package session

import (
	"encoding/json"
	"testing"
)

func TestInfo_JSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Info{State: StateIdle})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got := string(b); got != `{"state":"idle"}` {
		t.Errorf("idle info = %s", got)
	}

	b, err = json.Marshal(Info{SessionID: "abc", Provider: "genai", State: StateActive})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got := string(b); got != `{"session_id":"abc","provider":"genai","state":"active"}` {
		t.Errorf("active info = %s", got)
	}
}
