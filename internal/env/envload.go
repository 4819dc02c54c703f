package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DotenvKey names an explicit dotenv file. "off" disables loading.
const DotenvKey = "FLASHAGENT_DOTENV"

// Candidate names, most specific first, checked in every directory from the
// working directory up to the filesystem root.
var dotenvNames = []string{"flashagent.env", ".env"}

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads the agent's dotenv file once per process. Variables already
// exported by the shell win over the file.
func Ensure() error {
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			loadErr = errors.Wrap(err, "resolve working directory")
			return
		}
		loadedPath, loadErr = load(wd, os.Getenv(DotenvKey))
		switch {
		case loadErr != nil:
			log.Warn().Err(loadErr).Msg("flashagent: load dotenv failed")
		case loadedPath != "":
			log.Debug().Str("dotenv", loadedPath).Msg("flashagent: loaded dotenv")
		}
	})
	return loadErr
}

// LoadedPath returns the resolved dotenv path if one was loaded, otherwise "".
func LoadedPath() string {
	return loadedPath
}

func load(dir, override string) (string, error) {
	path, err := resolve(dir, override)
	if err != nil || path == "" {
		return "", err
	}
	if err := godotenv.Load(path); err != nil {
		return "", errors.Wrapf(err, "load %s", path)
	}
	return path, nil
}

// resolve picks the file to load. An explicit override must exist; a missing
// file during the upward search is not an error.
func resolve(dir, override string) (string, error) {
	switch override = strings.TrimSpace(override); strings.ToLower(override) {
	case "":
	case "off", "none", "0", "false":
		return "", nil
	default:
		if !filepath.IsAbs(override) {
			override = filepath.Join(dir, override)
		}
		info, err := os.Stat(override)
		if err != nil {
			return "", errors.Wrapf(err, "%s=%s", DotenvKey, override)
		}
		if info.IsDir() {
			return "", errors.Errorf("%s=%s is a directory", DotenvKey, override)
		}
		return override, nil
	}
	for {
		for _, name := range dotenvNames {
			candidate := filepath.Join(dir, name)
			info, err := os.Stat(candidate)
			if err == nil && !info.IsDir() {
				return candidate, nil
			}
			if err != nil && !os.IsNotExist(err) {
				return "", errors.Wrapf(err, "stat %s", candidate)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
