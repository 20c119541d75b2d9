// mock-config is a stand-in configuration service for local development. It serves
// a small fixed-pathogen threshold table on the endpoint the engine's table client
// expects.
package main

import (
	"encoding/json"
	"log"
	"net/http"
)

type tableEntry struct {
	TestCode string  `json:"test_code"`
	Channel  string  `json:"channel"`
	Value    float64 `json:"value"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/config/thresholds", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{
			"entries": []tableEntry{
				{TestCode: "BVAB", Channel: "FAM", Value: 265},
				{TestCode: "BVAB", Channel: "HEX", Value: 210},
				{TestCode: "Ngon", Channel: "HEX", Value: 185},
				{TestCode: "Ctrach", Channel: "FAM", Value: 155},
			},
		})
	})

	addr := ":9095"
	log.Printf("mock-config listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
