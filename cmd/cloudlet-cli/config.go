package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/virt-do/project-2024/internal/schema"
)

// jobConfig is the YAML on-disk representation of one job submission:
// a language name ("rust", "python" or "node"), paths to a code file and an optional env file, and a
// log level forwarded verbatim to the guest agent.
type jobConfig struct {
	Language string `yaml:"language"`
	EnvPath  string `yaml:"env_path,omitempty"`
	CodePath string `yaml:"code_path"`
	LogLevel string `yaml:"log_level,omitempty"`
}

// parseJobConfigFile reads and validates a job YAML file.
func parseJobConfigFile(path string) (*jobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseJobConfigBytes(data)
}

func parseJobConfigBytes(data []byte) (*jobConfig, error) {
	var c jobConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if c.Language == "" {
		return nil, fmt.Errorf("config missing required field: language")
	}
	if c.CodePath == "" {
		return nil, fmt.Errorf("config missing required field: code_path")
	}
	return &c, nil
}

// toJobDescriptor reads the code/env files the config points at and
// builds the JobDescriptor cloudletd expects, one workload per run since
// this CLI is single-shot.
func (c *jobConfig) toJobDescriptor(workloadName string) (schema.JobDescriptor, error) {
	lang, err := schema.ParseLanguage(c.Language)
	if err != nil {
		return schema.JobDescriptor{}, err
	}

	code, err := os.ReadFile(c.CodePath)
	if err != nil {
		return schema.JobDescriptor{}, fmt.Errorf("read code_path: %w", err)
	}

	var env []byte
	if c.EnvPath != "" {
		env, err = os.ReadFile(c.EnvPath)
		if err != nil {
			return schema.JobDescriptor{}, fmt.Errorf("read env_path: %w", err)
		}
	}

	return schema.JobDescriptor{
		WorkloadName: workloadName,
		Language:     lang,
		Code:         string(code),
		Env:          string(env),
		LogLevel:     schema.LogLevel(c.LogLevel),
	}, nil
}
