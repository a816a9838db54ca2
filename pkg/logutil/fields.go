// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"time"

	"go.uber.org/zap"
)

func OperationField(op string) zap.Field {
	return zap.String("operation", op)
}

func AnyField(name string, v any) zap.Field {
	return zap.Any(name, v)
}

func NodeField(id int32) zap.Field {
	return zap.Int32("node", id)
}

func PlanField(id string) zap.Field {
	return zap.String("plan", id)
}

func DurationField(d time.Duration) zap.Field {
	return zap.Duration("duration", d)
}
