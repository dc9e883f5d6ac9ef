package txbuilder

// Usage example (not compiled):
//
//  gas, err := txbuilder.GasFromConfig(cfg)
//  if err != nil { ... }
//  builder := txbuilder.NewBuilder(cfg.ChainIDBig(), gas)
//  nonces, err := txbuilder.NewSequencer(client, from).Reserve(ctx, n)
//  batch, err := builder.BuildBatch(txbuilder.BatchSpec{
//      Recipient: sale, Nonces: nonces, Mode: txbuilder.ValueLive, Spendable: snap.Spendable,
//  })
//  // hand each descriptor to the signer, in order
//
