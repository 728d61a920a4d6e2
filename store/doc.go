// Package store manages store connections inside the evaluator engine.
//
// A Store is the content backend an evaluator state reads from. Opening
// one initializes the engine library if that has not happened yet:
//
//	st, err := store.Open(eng, "auto")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
// The store handle is shared, not exclusively owned: several evaluator
// states may bind to the same Store. Close it only after every state
// created from it is closed.
package store
