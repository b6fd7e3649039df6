package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pimhq/pim/internal/config"
)

func TestStartRejectsBadPatterns(t *testing.T) {
	sweeper := NewSweeper(nil, config.SweepConfig{
		PurgeCron:    "not a pattern",
		SnapshotCron: config.DefaultSnapshotCron,
	}, nil, nil, nil, 30)

	assert.Error(t, sweeper.Start())
}

func TestDefaultPatternsParse(t *testing.T) {
	sweeper := NewSweeper(nil, config.SweepConfig{
		PurgeCron:    config.DefaultPurgeCron,
		SnapshotCron: config.DefaultSnapshotCron,
	}, nil, nil, nil, 30)

	_, err := sweeper.parser.Parse(config.DefaultPurgeCron)
	require.NoError(t, err)
	_, err = sweeper.parser.Parse(config.DefaultSnapshotCron)
	require.NoError(t, err)
}
