package types

var TypesResolved = typesResolved
