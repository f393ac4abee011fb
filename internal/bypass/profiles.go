package bypass

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"go.yaml.in/yaml/v2"
)

// Profile is one client identity: a User-Agent plus extra headers.
type Profile struct {
	Name      string            `yaml:"name"`
	UserAgent string            `yaml:"user_agent"`
	Headers   map[string]string `yaml:"headers"`
}

// protected headers are owned by the panel client and never overridden.
var protected = map[string]bool{
	"Authorization": true,
	"Accept":        true,
	"Content-Type":  true,
}

// Apply sets the profile's identity headers on req.
func (p Profile) Apply(req *http.Request) {
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	for k, v := range p.Headers {
		if protected[http.CanonicalHeaderKey(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
}

// DefaultProfiles is the identity pool used when no profile file is set.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Name:      "panel-client",
			UserAgent: "panel_sync/1.0",
		},
		{
			Name:      "chrome-desktop",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Headers: map[string]string{
				"Accept-Language": "en-US,en;q=0.9",
				"Cache-Control":   "no-cache",
				"Sec-Fetch-Mode":  "cors",
			},
		},
		{
			Name:      "firefox-desktop",
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
			Headers: map[string]string{
				"Accept-Language": "en-US,en;q=0.5",
				"DNT":             "1",
			},
		},
	}
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles parses a YAML document of the form
//
//	profiles:
//	  - name: chrome
//	    user_agent: Mozilla/5.0 ...
//	    headers:
//	      Accept-Language: en-US
func LoadProfiles(r io.Reader) ([]Profile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var f profileFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if len(f.Profiles) == 0 {
		return nil, fmt.Errorf("parse profiles: no profiles defined")
	}
	names := make(map[string]bool, len(f.Profiles))
	for i, p := range f.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile %d: name is required", i)
		}
		if names[p.Name] {
			return nil, fmt.Errorf("profile %q: duplicate name", p.Name)
		}
		names[p.Name] = true
	}
	return f.Profiles, nil
}

// LoadProfilesFile reads profiles from path.
func LoadProfilesFile(path string) ([]Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profiles: %w", err)
	}
	defer f.Close()
	return LoadProfiles(f)
}
