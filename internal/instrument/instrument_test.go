// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package instrument

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContains(t *testing.T) {
	xs := []string{"CHANGES_LOG", "ITEMS"}
	assert.True(t, contains(xs, "ITEMS"))
	assert.False(t, contains(xs, "ORDERS"))
}

func TestTableTriggerSQLNamesTableAndColumn(t *testing.T) {
	stmt := fmt.Sprintf(tableTriggerSQLTemplate, 3, "ITEMS", "ITEM_ID", "ITEM_ID", "ITEM_ID", 3)

	assert.Contains(t, stmt, "TRIGGER TABLE_3_CHANGES")
	assert.Contains(t, stmt, "FOR ITEMS")
	assert.Contains(t, stmt, "NEW.ITEM_ID")
	assert.Contains(t, stmt, "OLD.ITEM_ID")
	assert.Contains(t, stmt, "TABLE_ID, MUTATION, OCCURRED_AT")
	assert.True(t, strings.Contains(stmt, "3, :mutation"))
}

func TestFieldTypeIntegerMatchesFirebirdCatalogCode(t *testing.T) {
	// RDB$FIELD_TYPE = 8 is Firebird's INTEGER code; this is the only
	// column type the Instrumenter will register as a primary key.
	assert.Equal(t, 8, fieldTypeInteger)
}
