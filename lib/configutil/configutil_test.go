package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type scraperConfig struct {
	BaseURL     string `json:"base_url"`
	Concurrency int    `json:"concurrency"`
	UserAgent   string `json:"user_agent"`
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestReadConfigMissingEverything(t *testing.T) {
	_, err := ReadConfig[scraperConfig](filepath.Join(t.TempDir(), "scraper.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadConfigBaseOnly(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "scraper.json5"), `{
		// comments are allowed
		base_url: "https://forum.example.com",
		concurrency: 8,
	}`)

	cfg, err := ReadConfig[scraperConfig](filepath.Join(dir, "scraper.json5"))
	require.NoError(t, err)
	require.Equal(t, "https://forum.example.com", cfg.BaseURL)
	require.Equal(t, 8, cfg.Concurrency)
}

func TestLocalOverridesWin(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "scraper.json5"), `{base_url: "https://forum.example.com", concurrency: 8}`)
	write(t, filepath.Join(dir, "scraper.local.json5"), `{concurrency: 2}`)

	cfg, err := ReadConfig[scraperConfig](filepath.Join(dir, "scraper.json5"))
	require.NoError(t, err)
	require.Equal(t, "https://forum.example.com", cfg.BaseURL)
	require.Equal(t, 2, cfg.Concurrency)
}

func TestLocalOnlyIsEnough(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "scraper.local.json5"), `{base_url: "https://local.example.com"}`)

	cfg, err := ReadConfig[scraperConfig](filepath.Join(dir, "scraper.json5"))
	require.NoError(t, err)
	require.Equal(t, "https://local.example.com", cfg.BaseURL)
}

func TestReadRecursively(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	write(t, filepath.Join(root, "scraper.json5"), `{user_agent: "forumminer/1.0"}`)

	wd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(wd) })
	require.NoError(t, os.Chdir(nested))

	cfg, err := ReadRecursively[scraperConfig]("scraper.json5")
	require.NoError(t, err)
	require.Equal(t, "forumminer/1.0", cfg.UserAgent)
}
