// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"testing"

	"github.com/absmach/fluxlink/topics"
)

func TestValidateTopicName(t *testing.T) {
	tests := []struct {
		topic   string
		wantErr bool
	}{
		{"v1/devices/me/telemetry", false},
		{"invalid/+", true},
		{"invalid/#", true},
		{"", true},
		{string([]byte{0xFF, 0xFE}), true}, // Invalid UTF-8
		{"null\u0000char", true},
	}

	for _, tt := range tests {
		if err := topics.ValidateTopicName(tt.topic); (err != nil) != tt.wantErr {
			t.Errorf("ValidateTopicName(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
		}
	}
}

func TestValidateTopicFilter(t *testing.T) {
	tests := []struct {
		filter  string
		wantErr bool
	}{
		{"a/b", false},
		{"#", false},
		{"+", false},
		{"a/#", false},
		{"a/+/c", false},
		{"+/+", false},
		{"/", false},
		{"", true},
		{"a/#/c", true},
		{"a#", true},
		{"a/b+", true},
		{"a/+b/c", true},
		{string([]byte{'a', 0xFF}), true},
		{"a/\u0000", true},
	}

	for _, tt := range tests {
		if err := topics.ValidateTopicFilter(tt.filter); (err != nil) != tt.wantErr {
			t.Errorf("ValidateTopicFilter(%q) error = %v, wantErr %v", tt.filter, err, tt.wantErr)
		}
	}
}
