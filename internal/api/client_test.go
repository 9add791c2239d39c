package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gpsreporter/internal/gps"
)

func sampleFix() gps.Fix {
	return gps.Fix{Latitude: -7.25, Longitude: 112.75, CapturedAt: time.UnixMilli(1700000000000)}
}

func TestReport_Encode(t *testing.T) {
	body, err := NewReport(sampleFix()).Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"latitude":-7.25,"longitude":112.75,"timestamp":"1700000000000"}`, string(body))
}

func TestReport_NoRounding(t *testing.T) {
	fix := gps.Fix{Latitude: -7.257512345678912, Longitude: 112.75211111111111, CapturedAt: time.UnixMilli(1)}
	body, err := NewReport(fix).Encode()
	require.NoError(t, err)

	var back Report
	require.NoError(t, json.Unmarshal(body, &back))
	assert.Equal(t, fix.Latitude, back.Latitude)
	assert.Equal(t, fix.Longitude, back.Longitude)
	assert.Equal(t, "1", back.Timestamp)
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "http://host:3000/v1/", NormalizeBaseURL("http://host:3000/v1"))
	assert.Equal(t, "http://host:3000/v1/", NormalizeBaseURL("  http://host:3000/v1/ "))
}

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"http://192.168.100.155:3000/v1", false},
		{"https://collector.example.com", false},
		{"", true},
		{"ftp://host", true},
		{"http://", true},
		{"not a url", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			err := ValidateBaseURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClient_SendLocation(t *testing.T) {
	var gotPath, gotAuth, gotType, gotID string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotID = r.Header.Get("X-Request-ID")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c, err := NewClient(server.URL+"/v1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/v1/", c.BaseURL())

	body, _ := NewReport(sampleFix()).Encode()
	err = c.SendLocation(context.Background(), "tok", body, "req-1")
	require.NoError(t, err)

	assert.Equal(t, "/v1/gps-embed/send", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "req-1", gotID)
	assert.JSONEq(t, string(body), string(gotBody))
}

func TestClient_SendLocationStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c, err := NewClient(server.URL, time.Second)
	require.NoError(t, err)

	err = c.SendLocation(context.Background(), "tok", []byte(`{}`), "")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestClient_Login(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gps-embed/login", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in["Code"] != "driver01" || in["Password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"accessToken":"acc","refreshToken":"ref","name":"Budi"}}`))
	}))
	defer server.Close()

	c, err := NewClient(server.URL, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	auth, err := c.Login(ctx, LoginRequest{Code: "driver01", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, AuthData{AccessToken: "acc", RefreshToken: "ref", Name: "Budi"}, auth)

	_, err = c.Login(ctx, LoginRequest{Code: "driver01", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))

	_, err = c.Login(ctx, LoginRequest{Code: " ", Password: "secret"})
	assert.Error(t, err)
}

func TestClient_LoginMissingToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	}))
	defer server.Close()

	c, err := NewClient(server.URL, time.Second)
	require.NoError(t, err)
	_, err = c.Login(context.Background(), LoginRequest{Code: "a", Password: "b"})
	assert.ErrorContains(t, err, "no access token")
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient("localhost:3000", 0)
	assert.Error(t, err)
}
