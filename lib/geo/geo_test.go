// Staminads
// Copyright (C) 2025 Staminads, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundCoordinate(t *testing.T) {
	tests := []struct {
		value     float64
		precision int
		want      float64
	}{
		{52.520008, 2, 52.52},
		{52.520008, 1, 52.5},
		{52.520008, 0, 53},
		{-13.4567, 1, -13.5},
		{13.4050, -1, 0},
		{0, 3, 0},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, RoundCoordinate(tt.value, tt.precision),
			"value=%v precision=%d", tt.value, tt.precision)
	}
}
