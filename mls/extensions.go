package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeSupportedVersions     ExtensionType = 0x0001
	ExtensionTypeSupportedCipherSuites ExtensionType = 0x0002
	ExtensionTypeLifetime              ExtensionType = 0x0004
	ExtensionTypeParentHash            ExtensionType = 0x0005
)

// ProtocolVersion identifies a wire version of the MLS protocol messages;
// kept as its own type so a future protocol revision doesn't require
// renumbering CipherSuite or ExtensionType.
type ProtocolVersion uint8

const (
	ProtocolVersionMLS10 ProtocolVersion = 0x00
)

func NewExtensionList() *ExtensionList {
	return &ExtensionList{}
}

func (el ExtensionList) Has(extType ExtensionType) bool {
	for _, ext := range el.Entries {
		if ext.ExtensionType == extType {
			return true
		}
	}
	return false
}

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=2"`
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	// Otherwise append
	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			read, err := syntax.Unmarshal(ext.ExtensionData, dst)
			if err != nil {
				return true, err
			}

			if read != len(ext.ExtensionData) {
				return true, fmt.Errorf("Extension failed to consume all data")
			}

			return true, nil
		}
	}
	return false, nil
}

//////////

type ParentHashExtension struct {
	ParentHash []byte `tls:"head=1"`
}

func (phe ParentHashExtension) Type() ExtensionType {
	return ExtensionTypeParentHash
}

// SupportedVersionsExtension advertises which wire versions a member's
// key package will parse.
type SupportedVersionsExtension struct {
	Versions []ProtocolVersion `tls:"head=1"`
}

func (sve SupportedVersionsExtension) Type() ExtensionType {
	return ExtensionTypeSupportedVersions
}

// SupportedCipherSuitesExtension advertises which ciphersuites a member's
// key package is willing to operate a group under.
type SupportedCipherSuitesExtension struct {
	CipherSuites []CipherSuite `tls:"head=1"`
}

func (scse SupportedCipherSuitesExtension) Type() ExtensionType {
	return ExtensionTypeSupportedCipherSuites
}

// LifetimeExtension bounds the validity window of a key package, expressed
// as seconds since the Unix epoch.
type LifetimeExtension struct {
	NotBefore uint64
	NotAfter  uint64
}

func (le LifetimeExtension) Type() ExtensionType {
	return ExtensionTypeLifetime
}
