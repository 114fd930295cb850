// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ifaces

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHtonsSwapsBytes(t *testing.T) {
	assert.EqualValues(t, 0x0300, htons(0x0003))
}

func TestAttachRejectsUnknownInterface(t *testing.T) {
	m := NewAttachmentManager()
	_, err := m.Attach(context.Background(), "landscape-no-such-iface", RoleLAN, func(uint32, Role, []byte) ([]byte, error) {
		return nil, nil
	})
	assert.Error(t, err)
}

func TestEnterContainerNetnsRejectsUnknownNamespace(t *testing.T) {
	err := EnterContainerNetns("landscape-no-such-netns", func() error { return nil })
	assert.Error(t, err)
}

func TestDetachOfUnknownInterfaceIsNoop(t *testing.T) {
	m := NewAttachmentManager()
	m.Detach("does-not-exist")
}
