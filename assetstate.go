package vone

import (
	"fmt"
	"strconv"
)

// AssetState is the lifecycle stage the server keeps for every asset in its
// AssetState attribute. Dead states are hidden by most server views.
//
// AssetState values can be given directly to query.Query.Where.
type AssetState int

const (
	AssetStateFuture         AssetState = 0
	AssetStateActive         AssetState = 64
	AssetStateClosed         AssetState = 128
	AssetStateTemplateDead   AssetState = 200
	AssetStateBrokenDownDead AssetState = 208
	AssetStateDeletedDead    AssetState = 255
)

var assetStateNames = map[AssetState]string{
	AssetStateFuture:         "Future",
	AssetStateActive:         "Active",
	AssetStateClosed:         "Closed",
	AssetStateTemplateDead:   "Template_Dead",
	AssetStateBrokenDownDead: "BrokenDown_Dead",
	AssetStateDeletedDead:    "Deleted_Dead",
}

// String returns the server's name for the state, such as "Closed". Unknown
// states give their number.
func (s AssetState) String() string {
	if name, ok := assetStateNames[s]; ok {
		return name
	}
	return strconv.Itoa(int(s))
}

// IsDead returns whether the state is one of the dead states.
func (s AssetState) IsDead() bool {
	return s >= AssetStateTemplateDead
}

// ParseAssetState reads the state out of an AssetState attribute value as
// the server sends it. Only the six known states are accepted.
func ParseAssetState(v Value) (AssetState, error) {
	if v.Kind() != KindText {
		return 0, NewError(fmt.Sprintf("asset state must be a text value, not %s", v.Kind()), ErrBadArgument)
	}
	n, err := strconv.Atoi(v.String())
	if err != nil {
		return 0, NewError(fmt.Sprintf("not an asset state: %q", v.String()), ErrBadArgument)
	}
	s := AssetState(n)
	if _, ok := assetStateNames[s]; !ok {
		return 0, NewError(fmt.Sprintf("unknown asset state %d", n), ErrBadArgument)
	}
	return s, nil
}
