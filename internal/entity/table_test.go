package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhysicalNameHotCold(t *testing.T) {
	d := TableDescriptor{Kind: "Transfer", HasHotCold: true, HeightColumn: "block_number", HashColumn: "block_hash"}
	assert.Equal(t, "eth_hot_transfers", d.PhysicalName("eth", ZoneHot))
	assert.Equal(t, "eth_cold_transfers", d.PhysicalName("eth", ZoneCold))
}

func TestPhysicalNameRegular(t *testing.T) {
	d := TableDescriptor{Kind: "ContractAbi", HasHotCold: false}
	assert.Equal(t, "eth_contract_abis", d.PhysicalName("eth", ZoneRegular))
}

func TestSnakePluralYRule(t *testing.T) {
	assert.Equal(t, "contract_abis", snakePlural("ContractAbi"))
	assert.Equal(t, "proxies", snakePlural("Proxy"))
	assert.Equal(t, "days", snakePlural("Day"))
}

func TestStaticSchemaRoundTrip(t *testing.T) {
	descriptors := []TableDescriptor{
		{Kind: "Transfer", HasHotCold: true, HeightColumn: "block_number", HashColumn: "block_hash"},
		{Kind: "Swap", HasHotCold: true, HeightColumn: "block_number", HashColumn: "block_hash"},
	}
	schema := NewStaticSchema(descriptors)

	d, ok := schema.Describe("Transfer")
	assert.True(t, ok)
	assert.Equal(t, Kind("Transfer"), d.Kind)

	_, ok = schema.Describe("Unknown")
	assert.False(t, ok)

	assert.ElementsMatch(t, []Kind{"Transfer", "Swap"}, schema.Kinds())
}
