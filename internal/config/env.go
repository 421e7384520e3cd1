package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays environment variables onto c. Set variables win over file values.
//
//	DATABASE_URL, REVALIDATE_IN_MEMORY, REVALIDATE_DATA_DIR, PORT,
//	REVALIDATE_MAX_UPLOAD_SIZE, DOCKER_PATH, VALIDATOR_IMAGE, VALIDATOR_DISTROS (comma separated),
//	VALIDATOR_CLOUD_HOST, VALIDATOR_MIRROR_HOST, REVALIDATE_QUEUE_CAPACITY, GBX_DECODER,
//	NADEO_LOGIN, NADEO_PASSWORD, NADEO_CORE_URL, NADEO_LIVE_URL
func (c *Config) FromEnv() error {
	return c.fromLookup(os.LookupEnv)
}

func (c *Config) fromLookup(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("DATABASE_URL", &c.DatabaseURL)
	str("REVALIDATE_DATA_DIR", &c.DataDir)
	str("DOCKER_PATH", &c.Docker)
	str("VALIDATOR_IMAGE", &c.Image)
	str("VALIDATOR_CLOUD_HOST", &c.CloudHost)
	str("VALIDATOR_MIRROR_HOST", &c.MirrorHost)
	str("GBX_DECODER", &c.DecoderCommand)
	str("NADEO_LOGIN", &c.Catalog.Login)
	str("NADEO_PASSWORD", &c.Catalog.Password)
	str("NADEO_CORE_URL", &c.Catalog.CoreURL)
	str("NADEO_LIVE_URL", &c.Catalog.LiveURL)

	if v, ok := lookup("VALIDATOR_DISTROS"); ok && v != "" {
		c.Distros = nil
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				c.Distros = append(c.Distros, d)
			}
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT value: %w", err)
		}
		c.Port = port
	}
	if v, ok := lookup("REVALIDATE_QUEUE_CAPACITY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REVALIDATE_QUEUE_CAPACITY value: %w", err)
		}
		c.QueueCapacity = n
	}
	if v, ok := lookup("REVALIDATE_MAX_UPLOAD_SIZE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid REVALIDATE_MAX_UPLOAD_SIZE value: %w", err)
		}
		c.MaxUploadSize = n
	}
	if v, ok := lookup("REVALIDATE_IN_MEMORY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid REVALIDATE_IN_MEMORY value: %w", err)
		}
		c.InMemory = b
	}
	return nil
}
